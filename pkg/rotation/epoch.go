package rotation

// Epoch is the 7-bit rotation counter embedded in the low bits of the outer
// Encrypted packet's type byte. Epoch 0 is reserved for the shared secret
// installed directly by the handshake; rotation counts 1..127 and wraps
// 127 -> 1, so a freshly rotated connection never lands back on 0.
type Epoch uint8

// MaxEpoch is the largest representable epoch value.
const MaxEpoch Epoch = 127

// Next returns the epoch following e, wrapping 127 -> 1.
func (e Epoch) Next() Epoch {
	if e >= MaxEpoch {
		return 1
	}
	return e + 1
}

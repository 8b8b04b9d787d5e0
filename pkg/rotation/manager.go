package rotation

import (
	"errors"
	"sync"

	"github.com/duskline/duskline/pkg/cryptoprim"
)

// ErrRotationInProgress is returned by BeginRotation when a rotation is
// already pending for this connection.
var ErrRotationInProgress = errors.New("rotation already in progress")

// ErrNoPendingRotation is returned by Complete/Cancel when no rotation is in
// flight.
var ErrNoPendingRotation = errors.New("no rotation in progress")

type pending struct {
	ephemeral *cryptoprim.EphemeralPrivateKey
	nextEpoch Epoch
}

// Manager tracks the shared secret a peer connection currently uses to
// encrypt and decrypt, the immediately previous secret (still accepted for
// decryption until the next rotation completes), and any rotation that is
// underway. All access is mutex-guarded; no field is touched outside the
// exported methods.
type Manager struct {
	mu         sync.RWMutex
	epoch      Epoch
	secret     cryptoprim.SharedSecret
	prevEpoch  Epoch
	prevSecret cryptoprim.SharedSecret
	hasPrev    bool
	pending    *pending
}

// NewManager installs secret as the epoch-0 key, the state every connection
// starts in immediately after a successful handshake.
func NewManager(secret cryptoprim.SharedSecret) *Manager {
	return &Manager{epoch: 0, secret: secret}
}

// Current returns the secret and epoch currently used for sending.
func (m *Manager) Current() (cryptoprim.SharedSecret, Epoch) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secret, m.epoch
}

// AcceptableSecret returns the secret to use for decrypting a packet claiming
// epoch e: the current epoch always qualifies, and the immediately previous
// epoch qualifies for the overlap window following a rotation. Anything
// older is rejected.
func (m *Manager) AcceptableSecret(e Epoch) (cryptoprim.SharedSecret, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e == m.epoch {
		return m.secret, true
	}
	if m.hasPrev && e == m.prevEpoch {
		return m.prevSecret, true
	}
	return cryptoprim.SharedSecret{}, false
}

// BeginRotation generates a fresh ephemeral keypair for a new rotation and
// records the epoch it will install under. The caller signs and sends the
// ephemeral public key as a Rotate (or RotateAck) inner packet.
func (m *Manager) BeginRotation() (*cryptoprim.EphemeralPrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return nil, ErrRotationInProgress
	}
	eph, err := cryptoprim.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	m.pending = &pending{ephemeral: eph, nextEpoch: m.epoch.Next()}
	return eph, nil
}

// PendingEphemeral returns the ephemeral key generated by BeginRotation, if
// any is outstanding.
func (m *Manager) PendingEphemeral() (*cryptoprim.EphemeralPrivateKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pending == nil {
		return nil, false
	}
	return m.pending.ephemeral, true
}

// CompleteRotation installs secret as the new current epoch's key, retires
// the previous current key into the one-epoch overlap window, and zeroes the
// rotation state. Returns the newly installed epoch.
func (m *Manager) CompleteRotation(secret cryptoprim.SharedSecret) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return 0, ErrNoPendingRotation
	}
	oldSecret := m.secret
	oldEpoch := m.epoch

	m.prevSecret = oldSecret
	m.prevEpoch = oldEpoch
	m.hasPrev = true

	m.secret = secret
	m.epoch = m.pending.nextEpoch
	m.pending = nil

	SecureZero((*[32]byte)(&oldSecret))
	return m.epoch, nil
}

// CancelRotation discards a pending rotation, e.g. when the peer's Rotate
// arrives while this side's own rotation is still pending.
func (m *Manager) CancelRotation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// RotationPending reports whether a rotation is currently in flight.
func (m *Manager) RotationPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending != nil
}

// Package wire implements the big-endian, length-prefixed byte codec shared
// by the server protocol and the transport's packet formats.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"unicode/utf8"
)

// ErrCodec is the single sentinel every wire decode failure wraps.
var ErrCodec = errors.New("codec error")

// MaxBytesLen is the largest a length-prefixed bytes/string field may declare.
const MaxBytesLen = 1<<16 - 1

const (
	addrTagV4 = 4
	addrTagV6 = 6
)

// Writer accumulates an outgoing wire message.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer contents.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// PutU8 writes a single byte.
func (w *Writer) PutU8(v uint8) {
	w.buf.WriteByte(v)
}

// PutU16 writes a big-endian u16.
func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// PutU32 writes a big-endian u32.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// PutFixed writes exactly len(b) raw bytes with no length prefix.
func (w *Writer) PutFixed(b []byte) {
	w.buf.Write(b)
}

// PutBytes writes a u16-length-prefixed byte slice.
func (w *Writer) PutBytes(b []byte) error {
	if len(b) > MaxBytesLen {
		return fmt.Errorf("%w: field of %d bytes exceeds max %d", ErrCodec, len(b), MaxBytesLen)
	}
	w.PutU16(uint16(len(b)))
	w.buf.Write(b)
	return nil
}

// PutString writes a u16-length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) error {
	return w.PutBytes([]byte(s))
}

// PutAddr writes a tagged socket address: tag byte, 4 or 16 raw bytes, u16 port.
func (w *Writer) PutAddr(addr *net.UDPAddr) error {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		w.PutU8(addrTagV4)
		w.buf.Write(ip4)
		w.PutU16(uint16(addr.Port))
		return nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return fmt.Errorf("%w: address %q is neither IPv4 nor IPv6", ErrCodec, addr.IP.String())
	}
	w.PutU8(addrTagV6)
	w.buf.Write(ip16)
	w.PutU16(uint16(addr.Port))
	return nil
}

// Reader consumes an incoming wire message sequentially.
type Reader struct {
	b   []byte
	pos int
}

// NewReader wraps b for sequential decoding. b is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.b) - r.pos
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrCodec, n, r.Remaining())
	}
	return nil
}

// U8 reads a single byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

// U16 reads a big-endian u16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.b[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

// U32 reads a big-endian u32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

// Fixed reads exactly n raw bytes and returns a copy.
func (r *Reader) Fixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// Bytes reads a u16-length-prefixed byte slice.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	return r.Fixed(int(n))
}

// String reads a u16-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid UTF-8 in string field", ErrCodec)
	}
	return string(b), nil
}

// Addr reads a tagged socket address.
func (r *Reader) Addr() (*net.UDPAddr, error) {
	tag, err := r.U8()
	if err != nil {
		return nil, err
	}
	var ipLen int
	switch tag {
	case addrTagV4:
		ipLen = 4
	case addrTagV6:
		ipLen = 16
	default:
		return nil, fmt.Errorf("%w: unknown address tag %d", ErrCodec, tag)
	}
	ipb, err := r.Fixed(ipLen)
	if err != nil {
		return nil, err
	}
	port, err := r.U16()
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: net.IP(ipb), Port: int(port)}, nil
}

package buffer

import (
	"encoding/binary"
	"io"
)

// Buffer is a byte buffer with a read cursor over an append-only
// byte slice.  The zero value is an empty buffer ready for use.
type Buffer struct {
	b []byte
	i int
}

// New creates a Buffer with b as its initial contents.
// The new Buffer takes ownership of b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Bytes returns a slice containing the unconsumed bytes.
// The slice aliases the buffer's storage.
func (b *Buffer) Bytes() []byte {
	return b.b[b.i:]
}

// ReadToEnd returns the unconsumed bytes and marks them as read.
func (b *Buffer) ReadToEnd() []byte {
	p := b.b[b.i:]
	b.i = len(b.b)
	return p
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.i
}

// Size returns the total number of bytes written, consumed or not.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Reset discards all contents and rewinds the read cursor.
// Storage is retained for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.i = 0
}

// Detach returns the underlying storage and replaces it with nil,
// leaving the Buffer empty.  Used to hand off ownership of the bytes.
func (b *Buffer) Detach() []byte {
	p := b.b
	b.b = nil
	b.i = 0
	return p
}

// ReadByte reads one byte, advancing the cursor.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	c := b.b[b.i]
	b.i++
	return c, nil
}

// PeekByte returns the next byte without advancing the cursor.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	return b.b[b.i], nil
}

// ReadUint16 reads a big-endian uint16, advancing the cursor.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint16(b.b[b.i:])
	b.i += 2
	return n, nil
}

// ReadUint32 reads a big-endian uint32, advancing the cursor.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint32(b.b[b.i:])
	b.i += 4
	return n, nil
}

// ReadUint64 reads a big-endian uint64, advancing the cursor.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint64(b.b[b.i:])
	b.i += 8
	return n, nil
}

// ReadFromOnce performs a single Read on r, appending the bytes read.
func (b *Buffer) ReadFromOnce(r io.Reader) error {
	const minRead = 512

	l := len(b.b)
	if cap(b.b)-l < minRead {
		total := l * 2
		if total == 0 {
			total = minRead
		}
		new := make([]byte, l, total)
		copy(new, b.b)
		b.b = new
	}

	n, err := r.Read(b.b[l:cap(b.b)])
	b.b = b.b[:l+n]
	return err
}

// Append appends p to the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(p byte) {
	b.b = append(b.b, p)
}

// AppendString appends the bytes of s.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 appends n in big-endian order.
func (b *Buffer) AppendUint16(n uint16) {
	b.b = append(b.b,
		byte(n>>8),
		byte(n),
	)
}

// AppendUint32 appends n in big-endian order.
func (b *Buffer) AppendUint32(n uint32) {
	b.b = append(b.b,
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// AppendUint64 appends n in big-endian order.
func (b *Buffer) AppendUint64(n uint64) {
	b.b = append(b.b,
		byte(n>>56),
		byte(n>>48),
		byte(n>>40),
		byte(n>>32),
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// Reclaim moves the unconsumed bytes to the front of the storage,
// freeing capacity for writes without growing the allocation.
func (b *Buffer) Reclaim() {
	n := copy(b.b, b.b[b.i:])
	b.b = b.b[:n]
	b.i = 0
}

// Skip advances the cursor by n bytes.
func (b *Buffer) Skip(n int) {
	b.i += n
}

// Next returns a view of the next n unconsumed bytes and advances the
// cursor past them.  Returns false without advancing if fewer than n
// bytes remain.  The view aliases the buffer's storage.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if int64(b.Len()) < n {
		return nil, false
	}
	p := b.b[b.i : b.i+int(n)]
	b.i += int(n)
	return p, true
}

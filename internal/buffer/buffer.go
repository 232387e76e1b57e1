// Package buffer implements the chained byte buffer used to stage bytes
// between the transport and the wire parser, and between the public
// facade and the transport on the write side.
//
// The buffer holds its bytes in one contiguous slice. Fill copies each
// incoming slice onto the end; Drain copies the drained bytes out and
// the remaining bytes into a fresh slice. No separate chain links are
// kept, and neither append nor drain is zero-copy.
package buffer

// Buffer is an append-only byte buffer, stored as a single contiguous
// slice, with a running total length. It is not safe for concurrent use; callers serialize access
// (the protocol engine owns one buffer per direction and never shares
// it across goroutines without its own lock).
type Buffer struct {
	chain []byte
	total int
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Len reports the total number of buffered bytes.
func (b *Buffer) Len() int {
	return b.total
}

// Fill appends p's contents to the buffer. The slice is copied so the
// caller may reuse its backing array immediately.
func (b *Buffer) Fill(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	b.chain = append(b.chain, cp...)
	b.total += len(p)
}

// Peek returns the full buffered contents without removing them. The
// returned slice aliases internal storage and must not be retained past
// the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.chain
}

// Drain removes and returns up to n bytes from the front of the buffer.
// A negative n, or an n that exceeds the buffered length, drains
// everything. Drain(0) returns an empty, non-nil slice and leaves the
// buffer untouched.
func (b *Buffer) Drain(n int) []byte {
	if n < 0 || n > b.total {
		n = b.total
	}
	if n == 0 {
		return []byte{}
	}

	out := make([]byte, n)
	copy(out, b.chain[:n])

	remaining := b.total - n
	if remaining == 0 {
		b.chain = nil
	} else {
		rest := make([]byte, remaining)
		copy(rest, b.chain[n:])
		b.chain = rest
	}
	b.total = remaining

	return out
}

// DrainAll is equivalent to Drain(-1): it removes and returns every
// buffered byte.
func (b *Buffer) DrainAll() []byte {
	return b.Drain(-1)
}

// Reset atomically yields the buffered bytes and empties the buffer,
// equivalent to DrainAll but named to match the "give it all back and
// start clean" semantics callers use on reconnect.
func (b *Buffer) Reset() []byte {
	out := b.chain
	b.chain = nil
	b.total = 0
	if out == nil {
		return []byte{}
	}
	return out
}

// Empty reports whether the buffer currently holds no bytes.
func (b *Buffer) Empty() bool {
	return b.total == 0
}

package qconn

import "sync/atomic"

// tokenAllocator hands out monotonically increasing 64-bit request
// tokens, never reusing one within the lifetime of a connection. It
// resets on every (re)connect because the server only associates
// tokens with the current socket.
type tokenAllocator struct {
	next atomic.Uint64
}

func (t *tokenAllocator) reset() {
	t.next.Store(0)
}

// allocate returns the next token, starting at 1 so the zero value of a
// uint64 field never collides with a live token.
func (t *tokenAllocator) allocate() uint64 {
	return t.next.Add(1)
}

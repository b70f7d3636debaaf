package qconn

import (
	"context"
	"sync"
	"time"
)

// Cursor is the lazily-paged sequence returned for SUCCESS_SEQUENCE and
// SUCCESS_PARTIAL results (spec §4.6). It keeps at most one fetch
// outstanding at a time, prefetching the next batch as soon as the
// current one arrives, and is bound to the connection generation that
// created it: a Reconnect invalidates every outstanding Cursor.
type Cursor struct {
	conn   *Connection
	connID uint64
	token  uint64
	opts   RunOpts

	mu          sync.Mutex
	buffer      []interface{}
	more        bool
	outstanding bool
	waiter      *waiter
	closed      bool
	err         error
	eachCalled  bool
}

// newCursor wraps the first batch already returned by run()'s START
// response. If the server signaled more data (SUCCESS_PARTIAL), a
// CONTINUE is dispatched immediately so the cursor always has a fetch
// in flight one batch ahead of the caller, the prefetch discipline
// named in spec §4.6.
func newCursor(conn *Connection, connID, token uint64, opts RunOpts, initialRows []interface{}, more bool) *Cursor {
	cur := &Cursor{
		conn:   conn,
		connID: connID,
		token:  token,
		opts:   opts,
		buffer: append([]interface{}(nil), initialRows...),
		more:   more,
	}
	if more {
		cur.mu.Lock()
		cur.prefetchLocked()
		cur.mu.Unlock()
	}
	return cur
}

// Next returns the next row. wait controls how long to wait for a batch
// that has not arrived yet: negative blocks until one arrives (or the
// context is canceled), zero returns immediately with a TimeoutError if
// nothing is ready, and positive waits up to that long. Once the
// sequence is exhausted it returns the StopIteration sentinel error.
func (cur *Cursor) Next(ctx context.Context, wait time.Duration) (interface{}, error) {
	for {
		cur.mu.Lock()
		if len(cur.buffer) > 0 {
			v := cur.buffer[0]
			cur.buffer = cur.buffer[1:]
			cur.mu.Unlock()
			return v, nil
		}
		if cur.err != nil {
			err := cur.err
			cur.mu.Unlock()
			return nil, err
		}
		if cur.closed || (!cur.more && !cur.outstanding) {
			cur.mu.Unlock()
			return nil, errStopIteration
		}
		w := cur.waiter
		cur.mu.Unlock()

		if cur.conn.connIDSnapshot() != cur.connID {
			return nil, &ConnectionClosed{Msg: "cursor's connection has since reconnected"}
		}
		if w == nil {
			return nil, &DriverInternalError{Msg: "cursor has a pending batch but no outstanding fetch"}
		}

		var resp *response
		var err error
		switch {
		case wait == 0:
			select {
			case d := <-w.deliverCh:
				resp, err = d.resp, d.err
			default:
				return nil, &TimeoutError{}
			}
		case wait < 0:
			resp, err = cur.conn.wait(ctx, w, 0)
		default:
			resp, err = cur.conn.wait(ctx, w, wait)
		}
		if err != nil {
			return nil, err
		}
		if aerr := cur.absorbBatch(resp); aerr != nil {
			return nil, aerr
		}
		// Loop back to drain the batch just absorbed into the buffer.
	}
}

// absorbBatch is called once a pending CONTINUE's response has arrived.
// It removes the waiter from the connection's table -- the table
// contract is that a blocking waiter's entry lives until its reader
// consumes it -- appends the normalized rows, and fires the next
// prefetch if the server is not yet done.
func (cur *Cursor) absorbBatch(resp *response) error {
	cur.conn.mu.Lock()
	cur.conn.waiters.remove(cur.token)
	cur.conn.mu.Unlock()

	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.outstanding = false
	cur.waiter = nil

	if resp.Type.isError() {
		cur.err = &ServerError{Type: resp.Type, Message: serverErrorMessage(resp)}
		cur.more = false
		return cur.err
	}
	cur.buffer = append(cur.buffer, applyFormatRows(resp.Rows, cur.opts)...)
	cur.more = resp.Type == SuccessPartial
	if cur.more && !cur.closed {
		cur.prefetchLocked()
	}
	return nil
}

// prefetchLocked must be called with cur.mu held. It registers a fresh
// blocking waiter for the cursor's token and dispatches CONTINUE.
func (cur *Cursor) prefetchLocked() {
	w := newBlockingWaiter(cur.opts)
	cur.conn.mu.Lock()
	if err := cur.conn.waiters.register(cur.token, w); err != nil {
		cur.conn.mu.Unlock()
		cur.err = err
		return
	}
	cur.conn.mu.Unlock()

	payload, err := encodePayload(QueryContinue, nil, cur.opts.wire())
	if err != nil {
		cur.err = err
		return
	}
	_, span := startCursorBatchSpan(context.Background(), cur.token, cur.connID)
	defer span.End()
	if err := cur.conn.dispatch(cur.token, payload); err != nil {
		cur.err = err
		return
	}
	cur.conn.opts.Metrics.CursorBatches.Inc()
	cur.outstanding = true
	cur.waiter = w
}

// Close sends STOP (noreply) for the cursor's token and marks it
// exhausted, returning true. If the cursor has already delivered its
// last batch (more is already false -- a SUCCESS_SEQUENCE cursor, or a
// SUCCESS_PARTIAL one that has since absorbed its SUCCESS_SEQUENCE
// tail) there is nothing left to stop, and Close is a no-op returning
// false, matching spec §4.6's close(). Calling Close again once closed
// is also a no-op returning false. A CONTINUE may already be in flight
// when Close runs; its eventual response is discarded via the
// connection's recently-stopped grace window rather than raised as an
// unknown-token error.
func (cur *Cursor) Close() (bool, error) {
	cur.mu.Lock()
	if cur.closed {
		cur.mu.Unlock()
		return false, nil
	}
	if !cur.more {
		cur.closed = true
		cur.buffer = nil
		cur.mu.Unlock()
		return false, nil
	}
	cur.closed = true
	cur.more = false
	wasOutstanding := cur.outstanding
	cur.buffer = nil
	cur.mu.Unlock()

	if cur.conn.IsOpen() {
		payload, err := encodePayload(QueryStop, nil, map[string]interface{}{"noreply": true})
		if err == nil {
			_ = cur.conn.dispatch(cur.token, payload)
		}
	}

	cur.conn.mu.Lock()
	cur.conn.waiters.remove(cur.token)
	cur.conn.mu.Unlock()

	if wasOutstanding {
		cur.conn.markRecentlyStopped(cur.token)
	}
	return true, nil
}

// Each drains the cursor to exhaustion, calling fn for every row. It
// may be called at most once per Cursor (spec §4.6's at-most-one-pass
// invariant); a second call returns a DriverInternalError instead of
// silently re-iterating an empty sequence.
func (cur *Cursor) Each(ctx context.Context, fn func(interface{}) error) error {
	cur.mu.Lock()
	if cur.eachCalled {
		cur.mu.Unlock()
		return &DriverInternalError{Msg: "cursor already iterated"}
	}
	cur.eachCalled = true
	cur.mu.Unlock()

	for {
		v, err := cur.Next(ctx, -1)
		if err != nil {
			if err == errStopIteration {
				return nil
			}
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

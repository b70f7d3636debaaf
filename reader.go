package qconn

import (
	"fmt"
	"net"
)

// readLoop is the single reader task per spec §4.4: one goroutine per
// connection generation, consuming frames off the socket, decoding them,
// and dispatching under the connection lock. Grounded on the teacher's
// readLoop (codec.go), generalized from its gob/net-rpc header+body
// dispatch switch to this protocol's flatter token+JSON-payload framing.
func (c *Connection) readLoop(conn net.Conn, connID uint64, done chan struct{}) {
	defer close(done)
	for {
		raw, err := readFrame(conn)
		if err != nil {
			c.onReaderFatal(conn, connID, err)
			return
		}
		resp, err := decodeResponse(raw.Payload)
		if err != nil {
			c.onReaderFatal(conn, connID, err)
			return
		}
		c.noteData(connID, raw.Token, resp)
	}
}

// noteData is the reader's dispatch step. For a blocking waiter it just
// delivers: removal is the waiter's own job once the caller reads the
// result (spec §4.3). For a callback waiter it removes first, then
// invokes the callback while still holding the connection lock, exactly
// the window in which §4.7 says a SUCCESS_PARTIAL callback may
// re-register itself and re-dispatch CONTINUE.
//
// An unrecognized token is, in general, a protocol violation: nobody on
// this connection ever asked for it. The one tolerated exception is a
// token that was recently STOPped -- the server's response to that STOP
// can race the client's own bookkeeping, and arriving just after the
// waiter was torn down is expected, not a driver bug. Outside that grace
// window there's no waiter to hand the error to, so it's recorded rather
// than raised.
func (c *Connection) noteData(connID uint64, token uint64, resp *response) {
	c.mu.Lock()
	if c.connID != connID {
		// A reader from a superseded generation; the socket it was
		// reading has already been replaced or torn down by
		// Reconnect/Close, which own waking any waiters themselves.
		c.mu.Unlock()
		return
	}
	w, ok := c.waiters.lookup(token)
	if !ok {
		c.mu.Unlock()
		if c.wasRecentlyStopped(token) {
			return
		}
		derr := &DriverInternalError{Msg: fmt.Sprintf("response for unrecognized token %d (type %s)", token, resp.Type.String())}
		c.opts.Metrics.ProtocolViolations.Inc()
		logger().Error(derr.Error(), "token", token, "conn_id", connID)
		return
	}

	switch w.kind {
	case waiterBlocking:
		select {
		case w.deliverCh <- delivery{resp: resp}:
		default:
			// Waiter's channel is full, meaning a result already sits
			// unread there; a second delivery for the same token before
			// the first is consumed should not happen for a well-formed
			// server, so this is dropped rather than blocking the reader.
		}
		c.mu.Unlock()
	case waiterCallback:
		c.waiters.remove(token)
		// cb runs with c.mu still held, so a SUCCESS_PARTIAL callback's
		// re-registration of token is atomic with the removal above. cb
		// must not lock c.mu itself: it writes CONTINUE through
		// dispatchOn, which takes only writeMu.
		w.cb(resp, nil)
		c.mu.Unlock()
	}
}

// onReaderFatal runs when readFrame/decodeResponse fails. If conn is
// still the connection's active socket, this is a genuine protocol/
// transport failure: every outstanding waiter is woken with a synthetic
// CLIENT_ERROR response (spec §4.4), flowing through the same
// classification path a real CLIENT_ERROR from the server would. The
// socket itself is left untouched; only an explicit close()/reconnect()
// tears it down.
func (c *Connection) onReaderFatal(conn net.Conn, connID uint64, err error) {
	c.mu.Lock()
	if c.conn != conn || c.connID != connID {
		// Close()/Reconnect() already own waking these waiters.
		c.mu.Unlock()
		return
	}
	c.readerAlive = false
	entries := make(map[uint64]*waiter, len(c.waiters.m))
	for tok, w := range c.waiters.m {
		entries[tok] = w
	}
	c.waiters.reset()
	c.mu.Unlock()

	c.opts.Metrics.ReaderFailures.Inc()
	logger().Error("qconn: reader task terminated", "conn_id", connID, "err", err)

	synthetic := &response{Type: ClientErrorType, Rows: []interface{}{fmt.Sprintf("Connection closed: %s", err.Error())}}
	for _, w := range entries {
		switch w.kind {
		case waiterBlocking:
			select {
			case w.deliverCh <- delivery{resp: synthetic}:
			default:
			}
		case waiterCallback:
			w.cb(synthetic, nil)
		}
	}
}

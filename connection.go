package qconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options configures a Connection's identity and its optional
// collaborators (Reactor, Metrics). Grounded on the teacher's
// ClientOption/WithDialer/WithReconnectBackoff pattern, these are
// plain fields rather than functional options because every field here
// is part of the spec's fixed identity tuple, not an incremental knob.
type Options struct {
	Host    string
	Port    int
	DB      string
	AuthKey string
	Timeout time.Duration

	// AutoReconnect, when true, makes run() attempt a reconnect before
	// failing on a closed connection (spec §4.5 run() step 1).
	AutoReconnect bool

	Reactor Reactor
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Port == 0 {
		o.Port = 28015
	}
	if o.Timeout == 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Reactor == nil {
		o.Reactor = NewLoopReactor()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics
	}
	return o
}

// Connection is the public lifecycle object: connect/dispatch/run/wait/
// close/reconnect, guarded by one connection-wide lock per spec §4.3/§5.
type Connection struct {
	opts Options

	mu             sync.Mutex
	conn           net.Conn
	connID         uint64
	tokens         tokenAllocator
	waiters        *waiterTable
	defaultOptions RunOpts
	readerAlive    bool
	readerDone     chan struct{}
	// recentlyStopped retains tokens whose Cursor just sent STOP, for a
	// short grace window, so a racing CONTINUE response that lands
	// after the STOP is discarded instead of raising a
	// DriverInternalError for an "unknown" token -- the specification's
	// own recommended resolution (§9, option a) of its open question
	// about this race.
	recentlyStopped map[uint64]time.Time

	writeMu sync.Mutex

	reconnectGroup singleflight.Group
	emGuardID      string
}

// Connect opens a new Connection: TCP dial, handshake, reader task
// start. Mirrors the teacher's NewClientCodec dial-then-spawn-reader
// sequencing, generalized to this protocol's explicit handshake step.
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	c := &Connection{
		opts:            opts,
		waiters:         newWaiterTable(),
		defaultOptions:  RunOpts{DB: opts.DB},
		recentlyStopped: make(map[uint64]time.Time),
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	c.emGuardID = emGuard.register(c, opts.Reactor)
	return c, nil
}

// connectLocked performs the actual dial+handshake+reader-start. It
// requires the socket to be absent (spec §4.5 connect() precondition).
func (c *Connection) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return &DriverInternalError{Msg: "connect called while already open"}
	}
	c.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("qconn: dial: %w", err)
	}
	if err := performHandshake(nc, c.opts.AuthKey, c.opts.Timeout); err != nil {
		_ = nc.Close()
		return err
	}

	c.mu.Lock()
	c.conn = nc
	c.connID++
	c.tokens.reset()
	c.waiters.reset()
	for k := range c.recentlyStopped {
		delete(c.recentlyStopped, k)
	}
	c.readerAlive = true
	c.readerDone = make(chan struct{})
	connID := c.connID
	done := c.readerDone
	c.mu.Unlock()

	c.opts.Metrics.OpenConnections.Inc()
	logger().Info("qconn: connected", "host", c.opts.Host, "port", c.opts.Port, "conn_id", connID)

	go c.readLoop(nc, connID, done)
	return nil
}

func (c *Connection) isOpenLocked() bool {
	return c.conn != nil && c.readerAlive
}

// IsOpen reports whether the connection currently has both a live
// socket and a live reader task (spec §3 invariant: is_open ⇔ socket
// present ∧ reader alive).
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpenLocked()
}

func (c *Connection) connIDSnapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// dropCallbackWaiters strips every callback-kind waiter from the table,
// used by the reactor shutdown hook (§5 reactor integration) so
// responses that arrive after the reactor is gone are silently dropped
// instead of being dispatched into a dead event loop.
func (c *Connection) dropCallbackWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tok, w := range c.waiters.m {
		if w.kind == waiterCallback {
			delete(c.waiters.m, tok)
		}
	}
}

// dispatch writes one frame. Writes are funneled through writeMu rather
// than relying solely on "one frame per call site" the way the
// teacher's design note allows: Cursors keep an outstanding CONTINUE in
// flight independently of caller threads here, so the stronger
// serialization the note offers as a fallback is adopted unconditionally.
func (c *Connection) dispatch(token uint64, payload []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return &ConnectionClosed{Msg: "no socket"}
	}
	return c.dispatchOn(conn, token, payload)
}

// dispatchOn writes to an already-known live connection without taking
// c.mu, so it is safe to call from contexts that already hold it (the
// reactive-path callback, invoked by the reader under the connection
// lock per spec §4.4).
func (c *Connection) dispatchOn(conn net.Conn, token uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(conn, token, payload); err != nil {
		return fmt.Errorf("qconn: dispatch: %w", err)
	}
	return nil
}

func (c *Connection) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Use sets the default database term injected into every subsequent
// call's options.
func (c *Connection) Use(db string) {
	c.mu.Lock()
	c.defaultOptions.DB = db
	c.mu.Unlock()
}

// RunResult is what the synchronous path of run() returns: either a
// plain decoded Value, or a Cursor for a paged/sequence response, plus
// the profile object when the response carried one.
type RunResult struct {
	Value   interface{}
	Cursor  *Cursor
	Profile interface{}
}

// Run is the central entry point (spec §4.5 run(body, opts, handler)).
// With handler == nil it is the synchronous path; with handler set it
// is the reactive path and returns immediately with a nil RunResult.
func (c *Connection) Run(ctx context.Context, body interface{}, opts RunOpts, h *Handler) (*RunResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if c.opts.AutoReconnect && !c.IsOpen() {
		if err := c.Reconnect(ctx, CloseOpts{NoreplyWait: false}); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if !c.isOpenLocked() {
		c.mu.Unlock()
		return nil, &ConnectionClosed{}
	}
	full := mergeOpts(c.defaultOptions, opts)
	if h != nil && h.HasOnState() {
		full.IncludeStates = true
	}
	token := c.tokens.allocate()
	connID := c.connID

	var w *waiter
	if h != nil {
		w = newCallbackWaiter(full, c.makeHandlerCallback(token, full, h))
	} else if !full.Noreply {
		w = newBlockingWaiter(full)
	}
	if w != nil {
		if err := c.waiters.register(token, w); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.opts.Metrics.InFlightTokens.Inc()
	c.mu.Unlock()

	payload, err := encodePayload(QueryStart, body, full.wire())
	if err != nil {
		c.mu.Lock()
		c.waiters.remove(token)
		c.mu.Unlock()
		return nil, fmt.Errorf("qconn: encode request: %w", err)
	}

	_, span := startRunSpan(ctx, token, connID)
	defer span.End()

	if err := c.dispatch(token, payload); err != nil {
		c.mu.Lock()
		c.waiters.remove(token)
		c.mu.Unlock()
		return nil, err
	}

	if h != nil {
		return nil, nil
	}
	if full.Noreply {
		return &RunResult{}, nil
	}

	resp, err := c.wait(ctx, w, c.opts.Timeout)
	c.mu.Lock()
	c.waiters.remove(token)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return c.shapeResult(token, connID, full, resp)
}

func (c *Connection) shapeResult(token, connID uint64, opts RunOpts, resp *response) (*RunResult, error) {
	if resp.Type.isError() {
		return nil, &ServerError{Type: resp.Type, Message: serverErrorMessage(resp)}
	}
	switch resp.Type {
	case SuccessPartial:
		cur := newCursor(c, connID, token, opts, applyFormatRows(resp.Rows, opts), true)
		return &RunResult{Cursor: cur, Profile: resp.Profile}, nil
	case SuccessSequence:
		cur := newCursor(c, connID, token, opts, applyFormatRows(resp.Rows, opts), false)
		return &RunResult{Cursor: cur, Profile: resp.Profile}, nil
	default:
		var val interface{}
		if len(resp.Rows) > 0 {
			val = resp.Rows[0]
		}
		val = applyFormat(val, opts)
		return &RunResult{Value: val, Profile: resp.Profile}, nil
	}
}

// RunWithBlock is the scoped-cleanup form of run() from spec §4.5 step
// 7: it runs the synchronous path and, once fn returns, closes any
// Cursor the call produced, the way a language-level with-block would.
// It is only meaningful on the synchronous path; pass a nil Handler to
// Run directly when that scoping isn't wanted.
func (c *Connection) RunWithBlock(ctx context.Context, body interface{}, opts RunOpts, fn func(*RunResult) error) error {
	result, err := c.Run(ctx, body, opts, nil)
	if err != nil {
		return err
	}
	defer func() {
		if result.Cursor != nil {
			_, _ = result.Cursor.Close()
		}
	}()
	return fn(result)
}

// wait blocks for a blocking waiter's result, honoring ctx cancellation
// (modeled as the spec's "interactive abort": cancellation triggers a
// reconnect and re-raises) and the given timeout.
func (c *Connection) wait(ctx context.Context, w *waiter, timeout time.Duration) (*response, error) {
	if w == nil {
		return nil, &DriverInternalError{Msg: "wait called without a blocking waiter"}
	}
	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case d := <-w.deliverCh:
		if d.err != nil {
			return nil, d.err
		}
		return d.resp, nil
	case <-timerC:
		return nil, &TimeoutError{}
	case <-ctx.Done():
		_ = c.Reconnect(context.Background(), CloseOpts{NoreplyWait: false})
		return nil, ctx.Err()
	}
}

// CloseOpts configures close()/reconnect().
type CloseOpts struct {
	// NoreplyWait defaults to true in DefaultCloseOpts; when true and
	// the connection is open, close() synchronously drains the server
	// via NOREPLY_WAIT before tearing down.
	NoreplyWait bool
}

// DefaultCloseOpts matches spec §4.5: noreply_wait defaults to true.
func DefaultCloseOpts() CloseOpts { return CloseOpts{NoreplyWait: true} }

// Close terminates the reader, closes the socket, and wakes every
// outstanding waiter with ConnectionClosed (spec §4.5 close()).
func (c *Connection) Close(opts CloseOpts) error {
	c.mu.Lock()
	open := c.isOpenLocked()
	c.mu.Unlock()

	if open && opts.NoreplyWait {
		_ = c.NoreplyWait(context.Background())
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.readerAlive = false
	readerDone := c.readerDone
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if readerDone != nil {
		<-readerDone
	}

	c.failAllWaiters(&ConnectionClosed{Msg: "connection closed"})

	if conn != nil {
		c.opts.Metrics.OpenConnections.Dec()
	}
	if id := c.emGuardID; id != "" {
		emGuard.unregister(id)
	}
	logger().Info("qconn: closed", "conn_id", c.connIDSnapshot())
	return nil
}

// failAllWaiters wakes every outstanding waiter with err, draining them
// concurrently via an errgroup the way fluxquery-backend's worker pool
// fans out independent jobs.
func (c *Connection) failAllWaiters(err error) {
	c.mu.Lock()
	entries := make(map[uint64]*waiter, len(c.waiters.m))
	for tok, w := range c.waiters.m {
		entries[tok] = w
	}
	c.waiters.reset()
	c.mu.Unlock()

	var g errgroup.Group
	for _, w := range entries {
		w := w
		g.Go(func() error {
			switch w.kind {
			case waiterBlocking:
				select {
				case w.deliverCh <- delivery{err: err}:
				default:
				}
			case waiterCallback:
				w.cb(nil, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reconnect closes then reconnects, bumping conn_id so outstanding
// Cursors detect staleness (spec §4.5 reconnect()). Concurrent callers
// racing into Reconnect collapse into a single attempt via singleflight,
// grounded on fluxquery-backend's dependency on golang.org/x/sync.
func (c *Connection) Reconnect(ctx context.Context, opts CloseOpts) error {
	_, err, _ := c.reconnectGroup.Do("reconnect", func() (interface{}, error) {
		_ = c.Close(opts)
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
		c.emGuardID = emGuard.register(c, c.opts.Reactor)
		c.opts.Metrics.ReconnectTotal.Inc()
		return nil, nil
	})
	return err
}

// NoreplyWait issues a synchronous NOREPLY_WAIT query and expects a
// WAIT_COMPLETE response; any other response type is a protocol error
// (spec §4.5 noreply_wait()).
func (c *Connection) NoreplyWait(ctx context.Context) error {
	c.mu.Lock()
	if !c.isOpenLocked() {
		c.mu.Unlock()
		return &ConnectionClosed{}
	}
	token := c.tokens.allocate()
	w := newBlockingWaiter(RunOpts{})
	if err := c.waiters.register(token, w); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	payload, err := encodePayload(QueryNoreplyWait, nil, map[string]interface{}{})
	if err != nil {
		c.mu.Lock()
		c.waiters.remove(token)
		c.mu.Unlock()
		return err
	}
	if err := c.dispatch(token, payload); err != nil {
		c.mu.Lock()
		c.waiters.remove(token)
		c.mu.Unlock()
		return err
	}
	resp, err := c.wait(ctx, w, c.opts.Timeout)
	c.mu.Lock()
	c.waiters.remove(token)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if resp.Type != WaitComplete {
		return &DriverInternalError{Msg: fmt.Sprintf("noreply_wait: unexpected response type %s", resp.Type)}
	}
	return nil
}

const recentlyStoppedGrace = 5 * time.Second

// markRecentlyStopped records that token's Cursor just sent STOP; see
// the recentlyStopped field doc comment.
func (c *Connection) markRecentlyStopped(token uint64) {
	c.mu.Lock()
	c.recentlyStopped[token] = time.Now()
	for tok, at := range c.recentlyStopped {
		if time.Since(at) > recentlyStoppedGrace {
			delete(c.recentlyStopped, tok)
		}
	}
	c.mu.Unlock()
}

func (c *Connection) wasRecentlyStopped(token uint64) bool {
	c.mu.Lock()
	at, ok := c.recentlyStopped[token]
	c.mu.Unlock()
	return ok && time.Since(at) <= recentlyStoppedGrace
}

// makeHandlerCallback builds the callback K registered for a reactive
// run() (spec §4.7). K is invoked by the reader while the connection
// lock is already held; it must stay fast, so the actual capability
// dispatch is deferred onto the Reactor via NextTick. The one piece of
// work K does synchronously, still under the lock, is the §4.7-mandated
// re-registration + CONTINUE re-dispatch for a SUCCESS_PARTIAL batch,
// using dispatchOn (which only needs writeMu) to avoid relocking the
// connection mutex it is already inside.
func (c *Connection) makeHandlerCallback(token uint64, opts RunOpts, h *Handler) callbackFunc {
	var cb callbackFunc
	cb = func(resp *response, err error) {
		if err != nil {
			c.opts.Reactor.NextTick(func() {
				dispatchResult(h, nil, err, c.opts.Metrics)
			})
			return
		}

		if resp.Type == SuccessPartial && !h.Stopped() {
			// Re-register under the lock the reader already holds,
			// then re-dispatch CONTINUE for the next batch (spec §4.7).
			if conn := c.conn; conn != nil {
				if rerr := c.waiters.register(token, newCallbackWaiter(opts, cb)); rerr != nil {
					logger().Warn("qconn: failed to re-register callback waiter", "token", token, "err", rerr)
				} else if payload, perr := encodePayload(QueryContinue, nil, opts.wire()); perr != nil {
					logger().Warn("qconn: failed to encode CONTINUE", "token", token, "err", perr)
				} else if derr := c.dispatchOn(conn, token, payload); derr != nil {
					logger().Warn("qconn: failed to dispatch CONTINUE", "token", token, "err", derr)
				}
			}
		}

		normalized := *resp
		normalized.Rows = applyFormatRows(resp.Rows, opts)
		c.opts.Reactor.NextTick(func() {
			dispatchResult(h, &normalized, nil, c.opts.Metrics)
		})
	}
	return cb
}

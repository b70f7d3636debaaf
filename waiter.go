package qconn

// Handler is defined in handler.go; callbackFunc is what the reader
// invokes for a callback waiter.
type callbackFunc func(resp *response, err error)

type waiterKind int

const (
	waiterBlocking waiterKind = iota
	waiterCallback
)

// waiter is the waiter-table entry for one in-flight token: either a
// blocking receiver (one result delivered over a capacity-1 channel, the
// channel slot playing the role of the spec's "pending map" entry so a
// late wakeup only ever re-reads a value that is already there instead
// of racing a condition variable) or a callback invoked by the reader.
type waiter struct {
	kind waiterKind
	opts PerTokenOpts

	// blocking
	deliverCh chan delivery

	// callback
	cb callbackFunc
}

type delivery struct {
	resp *response
	err  error
}

func newBlockingWaiter(opts PerTokenOpts) *waiter {
	return &waiter{
		kind:      waiterBlocking,
		opts:      opts,
		deliverCh: make(chan delivery, 1),
	}
}

func newCallbackWaiter(opts PerTokenOpts, cb callbackFunc) *waiter {
	return &waiter{
		kind: waiterCallback,
		opts: opts,
		cb:   cb,
	}
}

// waiterTable maps token -> waiter. All mutation happens while the
// owning Connection's mu is held; see connection.go.
type waiterTable struct {
	m map[uint64]*waiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{m: make(map[uint64]*waiter)}
}

// register inserts w for token, failing with DriverInternalError if the
// token is already registered. Must be called with the connection lock
// held, and before dispatch, so a response can never race registration.
func (t *waiterTable) register(token uint64, w *waiter) error {
	if _, exists := t.m[token]; exists {
		return &DriverInternalError{Msg: "duplicate token registration"}
	}
	t.m[token] = w
	return nil
}

func (t *waiterTable) lookup(token uint64) (*waiter, bool) {
	w, ok := t.m[token]
	return w, ok
}

func (t *waiterTable) remove(token uint64) {
	delete(t.m, token)
}

func (t *waiterTable) drain() []uint64 {
	tokens := make([]uint64, 0, len(t.m))
	for tok := range t.m {
		tokens = append(tokens, tok)
	}
	return tokens
}

func (t *waiterTable) reset() {
	t.m = make(map[uint64]*waiter)
}

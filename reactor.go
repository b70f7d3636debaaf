package qconn

import (
	"sync"

	"github.com/google/uuid"
)

// Reactor is the caller-supplied single-threaded event scheduler that
// owns all Handler invocations. The core only requires two
// capabilities: scheduling a deferred callback on the reactor's own
// thread, and a shutdown hook so the reactor can tell every registered
// connection to stop delivering into it before it goes away.
type Reactor interface {
	// NextTick schedules fn to run later, on the reactor's own thread.
	// The core never calls fn synchronously itself.
	NextTick(fn func())
	// RegisterShutdownHook arranges for fn to run when the reactor is
	// shutting down, and returns a function that cancels the
	// registration.
	RegisterShutdownHook(fn func()) (unregister func())
}

// LoopReactor is a minimal single-goroutine Reactor, provided so the
// reactive path is usable without a caller-supplied event loop; it is
// not the only legal Reactor implementation.
type LoopReactor struct {
	tasks chan func()
	mu    sync.Mutex
	hooks map[int]func()
	nextH int
	done  chan struct{}
	once  sync.Once
}

// NewLoopReactor starts a LoopReactor's dispatch goroutine immediately.
func NewLoopReactor() *LoopReactor {
	r := &LoopReactor{
		tasks: make(chan func(), 256),
		hooks: make(map[int]func()),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *LoopReactor) run() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *LoopReactor) NextTick(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.done:
	}
}

func (r *LoopReactor) RegisterShutdownHook(fn func()) func() {
	r.mu.Lock()
	id := r.nextH
	r.nextH++
	r.hooks[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

// Shutdown runs every registered hook then stops the dispatch goroutine.
func (r *LoopReactor) Shutdown() {
	r.once.Do(func() {
		r.mu.Lock()
		hooks := make([]func(), 0, len(r.hooks))
		for _, h := range r.hooks {
			hooks = append(hooks, h)
		}
		r.mu.Unlock()
		for _, h := range hooks {
			h()
		}
		close(r.done)
	})
}

// emGuard is the process-wide registry that ties reactive-path
// connections to the reactors they dispatch into, so a reactor shutdown
// can strip every callback waiter before user code could ever be
// invoked on a dead event loop. Its own lock is distinct from any
// Connection's lock: unregistration must never happen while a
// connection lock is held, to avoid a lock-order inversion between the
// two.
type emGuardRegistry struct {
	mu      sync.Mutex
	entries map[string]*emGuardEntry
}

type emGuardEntry struct {
	id       string
	conn     *Connection
	reactor  Reactor
	unhook   func()
}

var emGuard = &emGuardRegistry{entries: make(map[string]*emGuardEntry)}

// register associates conn with reactor under a fresh uuid key (used
// for log correlation and as a stable handle independent of pointer
// identity, grounded on fluxquery-backend's dependency on
// github.com/google/uuid), and arranges for the reactor's shutdown hook
// to strip conn's callback waiters.
func (g *emGuardRegistry) register(conn *Connection, reactor Reactor) string {
	id := uuid.NewString()
	entry := &emGuardEntry{id: id, conn: conn, reactor: reactor}
	entry.unhook = reactor.RegisterShutdownHook(func() {
		conn.dropCallbackWaiters()
		logger().Info("qconn: reactor shutdown dropped callback waiters", "conn_id", conn.connIDSnapshot(), "em_guard_id", id)
	})
	g.mu.Lock()
	g.entries[id] = entry
	g.mu.Unlock()
	return id
}

func (g *emGuardRegistry) unregister(id string) {
	g.mu.Lock()
	entry, ok := g.entries[id]
	delete(g.entries, id)
	g.mu.Unlock()
	if ok && entry.unhook != nil {
		entry.unhook()
	}
}

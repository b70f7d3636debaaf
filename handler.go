package qconn

import "sync/atomic"

// Handler is a polymorphic sink with a fixed vocabulary of event
// callbacks, modeled -- per the design note -- as a capability record
// whose fields default to no-ops rather than as an interface requiring
// every method. Any subset of fields may be set; the rest default to
// doing nothing. on_open/on_close are enforced idempotent by the
// Handler itself (opened/closed flags), never by the caller.
type Handler struct {
	OnOpen         func()
	OnClose        func()
	OnWaitComplete func()
	OnVal          func(v interface{})
	OnArray        func(v []interface{})
	OnAtom         func(v interface{})
	OnStreamVal    func(row interface{})
	OnChange       func(oldVal, newVal interface{})
	OnInitialVal   func(newVal interface{})
	OnChangeError  func(errVal interface{})
	OnState        func(state interface{})
	OnUnrecognizedChange func(row interface{})
	OnError        func(err error)

	opened  atomic.Bool
	closed  atomic.Bool
	stopped atomic.Bool
}

// Stop causes all further dispatch to this handler to be suppressed.
// Safe to call from any goroutine, including from within a callback.
func (h *Handler) Stop() { h.stopped.Store(true) }

// Stopped reports whether Stop has been called.
func (h *Handler) Stopped() bool { return h.stopped.Load() }

// HasOnState reports whether the caller overrode OnState; when true,
// run() merges include_states: true into the outgoing global options.
func (h *Handler) HasOnState() bool { return h.OnState != nil }

func (h *Handler) openOnce() {
	if h.opened.CompareAndSwap(false, true) && h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h *Handler) closeOnce() {
	if h.closed.CompareAndSwap(false, true) && h.OnClose != nil {
		h.OnClose()
	}
}

// dispatchResult classifies one decoded response (already
// format-normalized) and invokes the relevant Handler capabilities. It
// always runs on the reactor thread, scheduled there by the connection
// via Reactor.NextTick -- never under the connection lock.
func dispatchResult(h *Handler, resp *response, err error, metrics *Metrics) {
	if h.Stopped() {
		return
	}
	if err != nil {
		h.openOnce()
		h.deliverError(err, metrics)
		h.closeOnce()
		return
	}
	if resp == nil {
		// Connection-teardown delivery: no further data, just close.
		h.closeOnce()
		return
	}
	if resp.Type.isError() {
		h.openOnce()
		h.deliverError(&ServerError{Type: resp.Type, Message: serverErrorMessage(resp)}, metrics)
		h.closeOnce()
		return
	}
	switch resp.Type {
	case SuccessPartial, SuccessSequence:
		h.openOnce()
		feed := isFeedNote(resp.Notes)
		for _, row := range resp.Rows {
			if h.Stopped() {
				return
			}
			if feed {
				dispatchChangeRow(h, row)
			} else if h.OnStreamVal != nil {
				h.OnStreamVal(row)
			}
		}
		if resp.Type == SuccessSequence {
			h.closeOnce()
		}
	case SuccessAtom:
		h.openOnce()
		var val interface{}
		if len(resp.Rows) > 0 {
			val = resp.Rows[0]
		}
		if arr, ok := val.([]interface{}); ok {
			if h.OnArray != nil {
				h.OnArray(arr)
			}
		} else if h.OnAtom != nil {
			h.OnAtom(val)
		}
		if h.OnVal != nil {
			h.OnVal(val)
		}
		h.closeOnce()
	case WaitComplete:
		h.openOnce()
		if h.OnWaitComplete != nil {
			h.OnWaitComplete()
		}
		h.closeOnce()
	default:
		h.openOnce()
		h.deliverError(&DriverInternalError{Msg: "unrecognized response type in handler dispatch"}, metrics)
		h.closeOnce()
	}
}

func (h *Handler) deliverError(err error, metrics *Metrics) {
	if metrics != nil {
		metrics.HandlerErrors.Inc()
	}
	if h.OnError != nil {
		h.OnError(err)
	}
}

func dispatchChangeRow(h *Handler, row interface{}) {
	obj, ok := row.(map[string]interface{})
	if !ok {
		if h.OnUnrecognizedChange != nil {
			h.OnUnrecognizedChange(row)
		}
		return
	}
	newVal, hasNew := obj["new_val"]
	oldVal, hasOld := obj["old_val"]
	switch {
	case hasNew && hasOld:
		if h.OnChange != nil {
			h.OnChange(oldVal, newVal)
		}
	case hasNew:
		if h.OnInitialVal != nil {
			h.OnInitialVal(newVal)
		}
	default:
		if ev, ok := obj["error"]; ok {
			if h.OnChangeError != nil {
				h.OnChangeError(ev)
			}
			return
		}
		if sv, ok := obj["state"]; ok {
			if h.OnState != nil {
				h.OnState(sv)
			}
			return
		}
		if h.OnUnrecognizedChange != nil {
			h.OnUnrecognizedChange(row)
		}
	}
}

func serverErrorMessage(resp *response) string {
	if len(resp.Rows) > 0 {
		if s, ok := resp.Rows[0].(string); ok {
			return s
		}
	}
	return resp.Type.String()
}

package coordinator

import (
	"sort"
	"sync"
	"time"
)

// Kind names one class of order mutation. At most one mutation of a kind is in
// flight at a time.
type Kind string

const (
	KindStop      Kind = "stop_market"
	KindTrailing  Kind = "trailing_stop"
	KindMarket    Kind = "market"
	KindLimitBuy  Kind = "limit_buy"
	KindLimitSell Kind = "limit_sell"
	KindClose     Kind = "limit_close"
)

// Pending is the marker of a placed order not yet resolved by the exchange.
// OrderID stays zero until the placement is acknowledged; ClientOrderID is set
// before the request leaves so a snapshot can match it either way.
type Pending struct {
	ClientOrderID string
	OrderID       int64
	PlacedAt      time.Time
	Confirmed     bool
}

// LockState is the exported view of one kind.
type LockState struct {
	Kind          Kind
	Locked        bool
	ClientOrderID string
	OrderID       int64
	Since         time.Time
	Confirmed     bool
}

// Locks holds the LockMap, PendingMap and TimerMap of one symbol. It is created
// once and handed to every coordinator (and composed engine) that trades the
// symbol, so they all observe the same in-flight state.
type Locks struct {
	mu         sync.Mutex
	locked     map[Kind]bool
	pending    map[Kind]*Pending
	timers     map[Kind]*time.Timer
	cancelling map[int64]bool
}

// NewLocks returns empty lock maps.
func NewLocks() *Locks {
	return &Locks{
		locked:     make(map[Kind]bool),
		pending:    make(map[Kind]*Pending),
		timers:     make(map[Kind]*time.Timer),
		cancelling: make(map[int64]bool),
	}
}

// IsLocked reports whether kind has a mutation in flight or a live order.
func (l *Locks) IsLocked(kind Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[kind]
}

// States returns every kind that is locked, sorted by kind.
func (l *Locks) States() []LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LockState, 0, len(l.locked))
	for kind, locked := range l.locked {
		if !locked {
			continue
		}
		st := LockState{Kind: kind, Locked: true}
		if p := l.pending[kind]; p != nil {
			st.ClientOrderID = p.ClientOrderID
			st.OrderID = p.OrderID
			st.Since = p.PlacedAt
			st.Confirmed = p.Confirmed
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// acquire locks kind and stores p. It fails when kind is already locked.
func (l *Locks) acquire(kind Kind, p *Pending) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked[kind] {
		return false
	}
	l.locked[kind] = true
	l.pending[kind] = p
	return true
}

// ack records the exchange id of p once the placement is acknowledged. It
// reports false when kind was released or re-acquired in the meantime.
func (l *Locks) ack(kind Kind, p *Pending, orderID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[kind] != p {
		return false
	}
	p.OrderID = orderID
	return true
}

// orderID returns the exchange id tracked under kind, or 0.
func (l *Locks) orderID(kind Kind) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := l.pending[kind]; p != nil {
		return p.OrderID
	}
	return 0
}

// setTimer attaches the fallback timer of p. A timer for a marker that is no
// longer pending is stopped instead.
func (l *Locks) setTimer(kind Kind, p *Pending, t *time.Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[kind] != p {
		t.Stop()
		return
	}
	l.timers[kind] = t
}

// expire releases kind when p is still pending and was never confirmed.
func (l *Locks) expire(kind Kind, p *Pending) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[kind] != p || p.Confirmed {
		return false
	}
	l.releaseLocked(kind)
	return true
}

// beginCancel marks id as being cancelled. It fails when a cancel of id is
// already running.
func (l *Locks) beginCancel(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelling[id] {
		return false
	}
	l.cancelling[id] = true
	return true
}

func (l *Locks) endCancel(id int64) {
	l.mu.Lock()
	delete(l.cancelling, id)
	l.mu.Unlock()
}

// releaseOrders releases every kind tracking one of ids.
func (l *Locks) releaseOrders(ids ...int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for kind, p := range l.pending {
		for _, id := range ids {
			if p.OrderID != 0 && p.OrderID == id {
				l.releaseLocked(kind)
				break
			}
		}
	}
}

// sweepVerdict is what a reconcile pass decides for one pending kind.
type sweepVerdict int

const (
	sweepKeep sweepVerdict = iota
	sweepConfirm
	sweepRelease
)

// sweep calls decide for every pending kind and applies its verdict. On
// confirm, orderID is stored and the fallback timer stops.
func (l *Locks) sweep(decide func(kind Kind, p *Pending) (sweepVerdict, int64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for kind, p := range l.pending {
		v, orderID := decide(kind, p)
		switch v {
		case sweepConfirm:
			p.Confirmed = true
			p.OrderID = orderID
			l.stopTimerLocked(kind)
		case sweepRelease:
			l.releaseLocked(kind)
		}
	}
}

// releaseLocked drops every trace of kind. Callers hold l.mu.
func (l *Locks) releaseLocked(kind Kind) {
	delete(l.locked, kind)
	delete(l.pending, kind)
	if t := l.timers[kind]; t != nil {
		t.Stop()
		delete(l.timers, kind)
	}
}

// releaseIf drops kind only while its pending marker is still p.
func (l *Locks) releaseIf(kind Kind, p *Pending) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[kind] != p {
		return false
	}
	l.releaseLocked(kind)
	return true
}

func (l *Locks) stopTimerLocked(kind Kind) {
	if t := l.timers[kind]; t != nil {
		t.Stop()
		delete(l.timers, kind)
	}
}

// Clear drops every lock, pending marker and timer.
func (l *Locks) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for kind := range l.locked {
		l.releaseLocked(kind)
	}
	for kind := range l.timers {
		l.stopTimerLocked(kind)
	}
}

package domain

import "sync"

// PositionTable is the in-memory Position store. It has exactly one writer
// while the websocket session is live (the event processor); after Flatten
// it is frozen and only read by the close-of-business reconciler.
//
// Grounded on the teacher's live.Engine, which guards its own per-cycle
// state (spreadHistory) behind a sync.RWMutex rather than handing callers a
// plain map — the same shape generalized from "per-market spread samples"
// to "per-index position rows."
type PositionTable struct {
	mu       sync.RWMutex
	rows     map[int]*Position
	frozen   bool
}

// NewPositionTable returns an empty table.
func NewPositionTable() *PositionTable {
	return &PositionTable{rows: make(map[int]*Position)}
}

// Put inserts or replaces a row. Returns false without mutating if the
// table has been frozen by Freeze.
func (t *PositionTable) Put(p *Position) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return false
	}
	t.rows[p.Index] = p
	return true
}

// Get returns the row at idx, or nil if it doesn't exist.
func (t *PositionTable) Get(idx int) *Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[idx]
}

// Mutate applies fn to the row at idx under the write lock, and reports
// whether the row existed. It is a no-op once the table is frozen, except
// for the close-of-business reconciler which calls MutateForCoB instead.
func (t *PositionTable) Mutate(idx int, fn func(*Position)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return false
	}
	p, ok := t.rows[idx]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// All returns a snapshot slice of all rows, ordered by Index.
func (t *PositionTable) All() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Position, 0, len(t.rows))
	for _, p := range t.rows {
		out = append(out, p)
	}
	sortByIndex(out)
	return out
}

// Where returns a snapshot of rows for which pred returns true.
func (t *PositionTable) Where(pred func(*Position) bool) []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Position
	for _, p := range t.rows {
		if pred(p) {
			out = append(out, p)
		}
	}
	sortByIndex(out)
	return out
}

// ByToken returns the working rows (active=Y) for the given token that have
// no entry order yet — the on_quote entry-leg candidate set.
func (t *PositionTable) ByToken(token string) []*Position {
	return t.Where(func(p *Position) bool {
		return p.Token == token && !p.HasEntry() && p.Active == ActiveYes
	})
}

// BySLPending returns the working rows for the given token with a live SL
// order — the on_quote trailing-stop candidate set.
func (t *PositionTable) BySLPending(token string) []*Position {
	return t.Where(func(p *Position) bool {
		return p.Token == token && p.SLOrderID != nil && p.Active == ActiveYes
	})
}

// Active returns every row with active=Y.
func (t *PositionTable) Active() []*Position {
	return t.Where(func(p *Position) bool { return p.Active == ActiveYes })
}

// Instruments returns the deduplicated {exchange|token} subscription set.
func (t *PositionTable) Instruments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range t.rows {
		k := p.InstrumentKey()
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// Freeze stops all further mutation through Put/Mutate. Called once, at
// flatten; only MutateForCoB may still write afterwards.
func (t *PositionTable) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// MutateForCoB applies fn regardless of the frozen flag — the one exception
// spec.md §3 carves out: "no further mutation... except by the CoB
// reconciler."
func (t *PositionTable) MutateForCoB(idx int, fn func(*Position)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.rows[idx]
	if !ok {
		return false
	}
	fn(p)
	return true
}

func sortByIndex(rows []*Position) {
	for i := 1; i < len(rows); i++ {
		j := i
		for j > 0 && rows[j-1].Index > rows[j].Index {
			rows[j-1], rows[j] = rows[j], rows[j-1]
			j--
		}
	}
}

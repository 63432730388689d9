package stream

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// GroupHandlers are the behavior hooks of a price group. Per-item
// hooks carry the instrument name; Complete fires once per open, when
// every member has completed its first image.
type GroupHandlers struct {
	Refresh  func(g *PriceGroup, instrument string, fields map[string]any)
	Update   func(g *PriceGroup, instrument string, fields map[string]any)
	Status   func(g *PriceGroup, instrument string, st Status)
	Complete func(g *PriceGroup)
}

// GroupConfig carries settings shared by every member of a group.
type GroupConfig struct {
	// Fields restricts the view of every member. Empty requests all
	// fields.
	Fields []string

	// Service selects the providing service.
	Service string

	// Snapshot requests single images instead of streaming
	// subscriptions.
	Snapshot bool

	Handlers GroupHandlers
}

// PriceGroup manages one streaming price per instrument of a fixed
// universe. Members are created eagerly at construction and opened
// concurrently.
type PriceGroup struct {
	sess     *Session
	universe []string
	fields   []string
	h        GroupHandlers

	prices map[string]*Price

	mu            sync.Mutex
	state         State
	completed     map[string]bool
	completeFired bool
}

// NewPriceGroup builds a closed group with one member per instrument.
// Instrument names must be unique.
func NewPriceGroup(sess *Session, instruments []string, cfg GroupConfig) (*PriceGroup, error) {
	if len(instruments) == 0 {
		return nil, ErrNameRequired
	}
	g := &PriceGroup{
		sess:      sess,
		universe:  append([]string(nil), instruments...),
		fields:    append([]string(nil), cfg.Fields...),
		h:         cfg.Handlers,
		prices:    make(map[string]*Price, len(instruments)),
		state:     Closed,
		completed: make(map[string]bool, len(instruments)),
	}
	for _, name := range instruments {
		if _, dup := g.prices[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInstrument, name)
		}
		name := name
		p, err := NewPrice(sess, name, PriceConfig{
			Fields:   cfg.Fields,
			Service:  cfg.Service,
			Snapshot: cfg.Snapshot,
			Handlers: PriceHandlers{
				Refresh: func(p *Price, fields map[string]any) { g.memberRefresh(name, fields) },
				Update:  func(p *Price, fields map[string]any) { g.memberUpdate(name, fields) },
				Status:  func(p *Price, st Status) { g.memberStatus(name, st) },
				Complete: func(p *Price) {
					g.memberComplete(name)
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("build price %s: %w", name, err)
		}
		g.prices[name] = p
	}
	return g, nil
}

// Instruments returns the group's universe in construction order.
func (g *PriceGroup) Instruments() []string {
	return append([]string(nil), g.universe...)
}

// Price returns the member for one instrument.
func (g *PriceGroup) Price(instrument string) (*Price, bool) {
	p, ok := g.prices[instrument]
	return p, ok
}

// State returns the group lifecycle state.
func (g *PriceGroup) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Open opens every member concurrently and waits until all attempts
// have settled. A member that fails to open is logged and left closed;
// the group still opens. Opening an open group is a no-op.
func (g *PriceGroup) Open(ctx context.Context) (State, error) {
	g.mu.Lock()
	if g.state == Open || g.state == Pending {
		st := g.state
		g.mu.Unlock()
		return st, nil
	}
	g.state = Pending
	g.completed = make(map[string]bool, len(g.universe))
	g.completeFired = false
	g.mu.Unlock()

	if g.sess.State() != Open {
		g.mu.Lock()
		g.state = Closed
		g.mu.Unlock()
		return Closed, ErrSessionClosed
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range g.universe {
		p := g.prices[name]
		eg.Go(func() error {
			if _, err := p.Open(ctx); err != nil {
				g.sess.logger.Warn("open price", "instrument", p.Name(), "error", err)
			}
			return nil
		})
	}
	eg.Wait()

	g.mu.Lock()
	g.state = Open
	g.mu.Unlock()
	return Open, nil
}

// Close closes every member and returns the group to Closed.
func (g *PriceGroup) Close() State {
	g.mu.Lock()
	g.state = Closed
	g.mu.Unlock()
	for _, name := range g.universe {
		g.prices[name].Close()
	}
	return Closed
}

func (g *PriceGroup) memberRefresh(name string, fields map[string]any) {
	if cb := g.h.Refresh; cb != nil {
		cb(g, name, fields)
	}
}

func (g *PriceGroup) memberUpdate(name string, fields map[string]any) {
	if cb := g.h.Update; cb != nil {
		cb(g, name, fields)
	}
}

func (g *PriceGroup) memberStatus(name string, st Status) {
	if cb := g.h.Status; cb != nil {
		cb(g, name, st)
	}
}

// memberComplete counts first completions per member. Later refreshes
// of the same member do not count again, and the group completion
// fires at most once per open.
func (g *PriceGroup) memberComplete(name string) {
	g.mu.Lock()
	g.completed[name] = true
	fire := !g.completeFired && len(g.completed) == len(g.universe)
	if fire {
		g.completeFired = true
	}
	g.mu.Unlock()

	if fire {
		if cb := g.h.Complete; cb != nil {
			cb(g)
		}
	}
}

// Snapshot is a rectangular view over cached values, instruments by
// fields. Absent values are reported distinctly from absent cells.
type Snapshot struct {
	Instruments []string
	Fields      []string
	values      map[string]map[string]any
}

// Value returns the cell for one instrument and field. The second
// result is false when the cell holds no value.
func (t *Snapshot) Value(instrument, field string) (any, bool) {
	row, ok := t.values[instrument]
	if !ok {
		return nil, false
	}
	v, ok := row[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Snapshot builds a table over the cached records. Nil instruments
// means the whole universe; nil fields means every field received so
// far, falling back to the requested view. Instruments or fields
// outside what the group requested are rejected.
func (g *PriceGroup) Snapshot(instruments, fields []string) (*Snapshot, error) {
	if len(instruments) == 0 {
		instruments = g.universe
	} else {
		for _, name := range instruments {
			if _, ok := g.prices[name]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrInstrumentNotRequested, name)
			}
		}
	}

	if len(fields) == 0 {
		fields = g.receivedFields()
		if len(fields) == 0 {
			fields = g.fields
		}
	} else if len(g.fields) > 0 {
		for _, f := range fields {
			if !contains(g.fields, f) {
				return nil, fmt.Errorf("%w: %s", ErrFieldNotRequested, f)
			}
		}
	}

	t := &Snapshot{
		Instruments: append([]string(nil), instruments...),
		Fields:      append([]string(nil), fields...),
		values:      make(map[string]map[string]any, len(instruments)),
	}
	for _, name := range instruments {
		t.values[name] = g.prices[name].Fields(fields...)
	}
	return t, nil
}

// receivedFields unions the field names received across members,
// keeping first-seen order over the universe.
func (g *PriceGroup) receivedFields() []string {
	var names []string
	seen := make(map[string]bool)
	for _, instrument := range g.universe {
		for _, f := range g.prices[instrument].cache.FieldNames() {
			if !seen[f] {
				seen[f] = true
				names = append(names, f)
			}
		}
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

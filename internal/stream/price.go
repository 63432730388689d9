package stream

import "context"

// PriceHandlers are the behavior hooks of a streaming price. Hooks run
// on the session dispatch goroutine and receive field payloads rather
// than raw messages.
type PriceHandlers struct {
	Refresh  func(p *Price, fields map[string]any)
	Update   func(p *Price, fields map[string]any)
	Status   func(p *Price, st Status)
	Complete func(p *Price)
	Error    func(p *Price, msg *Message)
}

// PriceConfig carries per-instrument settings for a streaming price.
type PriceConfig struct {
	// Fields restricts the view. Empty requests all fields.
	Fields []string

	// Service selects the providing service.
	Service string

	// Snapshot requests a single image instead of a streaming
	// subscription.
	Snapshot bool

	Handlers PriceHandlers
}

// Price couples a MarketPrice subscription with a field cache. Every
// image and update is folded into the cache before the corresponding
// hook fires, so hooks always observe the post-message state.
type Price struct {
	sub   *Subscription
	cache *Cache
	h     PriceHandlers
}

// NewPrice builds a closed streaming price on the session.
func NewPrice(sess *Session, name string, cfg PriceConfig) (*Price, error) {
	p := &Price{
		cache: newCache(name, cfg.Fields),
		h:     cfg.Handlers,
	}
	sub, err := NewSubscription(sess, name, SubscriptionConfig{
		Domain:   DomainMarketPrice,
		Service:  cfg.Service,
		Fields:   cfg.Fields,
		Snapshot: cfg.Snapshot,
		Handlers: Handlers{
			Refresh:  p.onRefresh,
			Update:   p.onUpdate,
			Status:   p.onStatus,
			Complete: p.onComplete,
			Error:    p.onError,
		},
	})
	if err != nil {
		return nil, err
	}
	p.sub = sub
	return p, nil
}

// Name returns the instrument name.
func (p *Price) Name() string { return p.cache.Name() }

// State returns the underlying subscription state.
func (p *Price) State() State { return p.sub.State() }

// Status returns the underlying subscription status.
func (p *Price) Status() Status { return p.sub.Status() }

// Open subscribes the instrument and blocks until the first server
// response or ctx ends.
func (p *Price) Open(ctx context.Context) (State, error) { return p.sub.Open(ctx) }

// Close unsubscribes the instrument. The cached record survives.
func (p *Price) Close() State { return p.sub.Close() }

// Field returns the cached value of one field.
func (p *Price) Field(name string) (any, error) { return p.cache.Field(name) }

// Fields returns the cached field values, optionally restricted to a
// subset.
func (p *Price) Fields(subset ...string) map[string]any { return p.cache.Fields(subset) }

func (p *Price) onRefresh(_ *Subscription, m *Message) {
	p.cache.applyRefresh(m)
	if cb := p.h.Refresh; cb != nil {
		cb(p, m.Fields)
	}
}

func (p *Price) onUpdate(_ *Subscription, m *Message) {
	p.cache.applyUpdate(m)
	if cb := p.h.Update; cb != nil {
		cb(p, m.Fields)
	}
}

func (p *Price) onStatus(_ *Subscription, st Status) {
	p.cache.applyStatus(st)
	if cb := p.h.Status; cb != nil {
		cb(p, st)
	}
}

func (p *Price) onComplete(_ *Subscription) {
	if cb := p.h.Complete; cb != nil {
		cb(p)
	}
}

func (p *Price) onError(_ *Subscription, m *Message) {
	if cb := p.h.Error; cb != nil {
		cb(p, m)
	}
}

package testutil

import (
	"context"
	"sync"

	"github.com/roach88/entityd/internal/relay"
)

// ConcurrencyProbe wraps business logic and records how many commands were
// in flight at once, per entity and across all entities.
type ConcurrencyProbe struct {
	mu        sync.Mutex
	inFlight  map[string]int
	maxEntity map[string]int
	total     int
	maxTotal  int
}

// NewConcurrencyProbe creates an empty probe.
func NewConcurrencyProbe() *ConcurrencyProbe {
	return &ConcurrencyProbe{
		inFlight:  make(map[string]int),
		maxEntity: make(map[string]int),
	}
}

// Wrap returns a factory whose handlers report to the probe.
func (p *ConcurrencyProbe) Wrap(factory relay.Factory) relay.Factory {
	return func(ctx context.Context, init relay.Init) (relay.Handler, error) {
		h, err := factory(ctx, init)
		if err != nil {
			return nil, err
		}
		return relay.HandlerFunc(func(ctx context.Context, cmd relay.Command) (relay.Response, error) {
			p.enter(cmd.EntityID)
			defer p.exit(cmd.EntityID)
			return h.Handle(ctx, cmd)
		}), nil
	}
}

// MaxPerEntity returns the highest in-flight count seen for any one entity.
func (p *ConcurrencyProbe) MaxPerEntity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	highest := 0
	for _, n := range p.maxEntity {
		if n > highest {
			highest = n
		}
	}
	return highest
}

// MaxTotal returns the highest in-flight count seen across entities.
func (p *ConcurrencyProbe) MaxTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxTotal
}

func (p *ConcurrencyProbe) enter(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[entityID]++
	if p.inFlight[entityID] > p.maxEntity[entityID] {
		p.maxEntity[entityID] = p.inFlight[entityID]
	}
	p.total++
	if p.total > p.maxTotal {
		p.maxTotal = p.total
	}
}

func (p *ConcurrencyProbe) exit(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[entityID]--
	p.total--
}

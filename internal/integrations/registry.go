package integrations

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scrypster/sessiond/pkg/types"
)

// Registry holds the configured sages and fans notifications out to them.
// Notification is best-effort: a failing collaborator is logged and recorded
// in the returned interaction telemetry, never surfaced as an error.
type Registry struct {
	mu    sync.RWMutex
	sages map[types.SageCategory]Sage

	// NotifyTimeout bounds each collaborator notification. Default 5s.
	NotifyTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sages:         make(map[types.SageCategory]Sage),
		NotifyTimeout: 5 * time.Second,
	}
}

// Register adds or replaces the sage for its category.
func (r *Registry) Register(sage Sage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sages[sage.Category()] = sage
}

// Get returns the sage for a category, or nil if none is registered.
func (r *Registry) Get(category types.SageCategory) Sage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sages[category]
}

// Categories lists the registered categories.
func (r *Registry) Categories() []types.SageCategory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]types.SageCategory, 0, len(r.sages))
	for c := range r.sages {
		cats = append(cats, c)
	}
	return cats
}

// Broadcast pushes an event to every registered sage concurrently and
// returns one interaction record per sage. It never returns an error:
// collaborator outages must not block session persistence.
func (r *Registry) Broadcast(ctx context.Context, event Event) []types.SageInteraction {
	r.mu.RLock()
	sages := make([]Sage, 0, len(r.sages))
	for _, s := range r.sages {
		sages = append(sages, s)
	}
	r.mu.RUnlock()

	interactions := make([]types.SageInteraction, len(sages))

	var wg sync.WaitGroup
	for i, sage := range sages {
		wg.Add(1)
		go func(i int, sage Sage) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, r.NotifyTimeout)
			defer cancel()

			start := time.Now()
			err := sage.Notify(callCtx, event)
			if err != nil {
				log.Printf("integrations: notify %s about %s failed: %v", sage.Category(), event.Type, err)
			}
			interactions[i] = Observe(sage.Category(), 1, time.Since(start), err)
		}(i, sage)
	}
	wg.Wait()

	return interactions
}

package notifier

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Registry routes a delivery to the notifier registered for its platform.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{notifiers: map[string]Notifier{}}
}

func (r *Registry) Register(platform string, n Notifier) {
	r.mu.Lock()
	r.notifiers[strings.ToLower(platform)] = n
	r.mu.Unlock()
}

func (r *Registry) Get(platform string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[strings.ToLower(platform)]
	return n, ok
}

// Platforms lists registered platforms, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.notifiers))
	for p := range r.notifiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver fails with DestinationNotFound wrapping ErrUnknownPlatform when no
// notifier is registered (platform disabled in config).
func (r *Registry) Deliver(ctx context.Context, to Destination, text string) error {
	n, ok := r.Get(to.Platform)
	if !ok {
		return deliveryErr(to, DestinationNotFound, ErrUnknownPlatform)
	}
	return n.Deliver(ctx, to, text)
}

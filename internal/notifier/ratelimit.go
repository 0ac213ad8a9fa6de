package notifier

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles deliveries to perSec with a burst of the same size.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

func NewRateLimited(next Notifier, perSec int) *RateLimited {
	if perSec <= 0 {
		perSec = 5
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (r *RateLimited) Deliver(ctx context.Context, to Destination, text string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return deliveryErr(to, Transient, err)
	}
	return r.next.Deliver(ctx, to, text)
}

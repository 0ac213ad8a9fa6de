package notifier

import (
	"context"
	"errors"
	"fmt"
)

// Destination is where a tenant's broadcast goes. Target and Mention are
// platform ids, opaque outside the platform notifier.
type Destination struct {
	Platform string
	Target   string
	Mention  string
}

type Notifier interface {
	Deliver(ctx context.Context, to Destination, text string) error
}

// Kind classifies a delivery failure.
type Kind int

const (
	Transient Kind = iota
	PermissionDenied
	DestinationNotFound
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case DestinationNotFound:
		return "destination_not_found"
	default:
		return "transient"
	}
}

var ErrUnknownPlatform = errors.New("no notifier for platform")

type DeliveryError struct {
	Platform string
	Target   string
	Kind     Kind
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s deliver to %s: %s: %v", e.Platform, e.Target, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// KindOf returns the failure kind of err. Errors that are not a
// *DeliveryError count as Transient.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return Transient
}

func deliveryErr(to Destination, kind Kind, err error) *DeliveryError {
	return &DeliveryError{Platform: to.Platform, Target: to.Target, Kind: kind, Err: err}
}

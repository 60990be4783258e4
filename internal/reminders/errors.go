package reminders

import (
	"errors"
	"fmt"

	"github.com/tariel-x/sleepchecker/internal/bedtime"
)

var (
	ErrInvalidBedtime  = bedtime.ErrInvalidBedtime
	ErrInvalidTarget   = errors.New("invalid delivery target")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrTimerArm        = errors.New("could not arm reminder timer")
	ErrNoSubscriptions = errors.New("no subscriptions found")
)

// DeliveryError is returned by a Sender when the push service rejected a
// message. Permanent means the endpoint will never accept messages again.
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failure (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err marks the delivery target as dead. Errors
// that are not a DeliveryError are treated as transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

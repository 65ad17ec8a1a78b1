// Package transport holds the outbound delivery contracts shared by the SMS
// and mail clients.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDelivery marks a failed outbound send. Callers must not record the
// firing; the next tick retries inside the tolerance window.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError carries the channel and, for HTTP transports, the status.
type DeliveryError struct {
	Channel string
	Status  int
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s delivery failed (status %d): %v", e.Channel, e.Status, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// Messenger sends a text message to a phone number.
type Messenger interface {
	SendSMS(ctx context.Context, to, body string) error
}

// DigestEntry is one journal line in a weekly digest.
type DigestEntry struct {
	Text string
	At   time.Time
}

// DigestSender mails a weekly digest. Entries are ordered newest first.
type DigestSender interface {
	SendDigest(ctx context.Context, to string, entries []DigestEntry) error
}

// ABOUTME: Delivery adapter abstraction for outreach messages
// ABOUTME: Distinguishes permanent rejections from transient failures so the scheduler can decide to retry

package transport

import (
	"context"
	"errors"
	"fmt"
)

// Message is a fully rendered outreach message ready for delivery.
type Message struct {
	Channel   string // "email" or "sms"
	Recipient string // email address or phone number
	Subject   string // empty for sms
	Body      string
}

// Result reports a successful handoff to a delivery provider.
type Result struct {
	ProviderID string
}

// Adapter hands a rendered message to a delivery provider. A nil error means
// the provider accepted the message, not that it reached the recipient.
type Adapter interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}

// PermanentError marks a delivery failure that retrying cannot fix, such as a
// rejected recipient address. The scheduler fails these attempts immediately
// instead of burning retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err marks a failure that should not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

package notifications

import (
	"context"
	"fmt"
	"time"
)

// Sink delivers one payload to one destination.
type Sink interface {
	SendText(ctx context.Context, dest int64, text string) error
	SendMedia(ctx context.Context, dest int64, data []byte) error
}

// RateLimitError means the destination asked us to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RejectedError means the destination refused the content itself.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}

package streams

import (
	"context"
	"strconv"
	"time"
)

// DeadLetterEntry captures everything a later operator (or replayer) needs to
// understand why a message was parked: the original identifiers, the error,
// and whether a retry could ever succeed.
type DeadLetterEntry struct {
	// OriginalEventID is the producer-assigned event_id, when known.
	OriginalEventID string
	// OriginalStreamID is the broker entry ID the message carried.
	OriginalStreamID string
	// Reason is the dead-letter reason constant (e.g. schema_violation).
	Reason string
	// ErrorMessage is the error that caused the dead-letter.
	ErrorMessage string
	// ErrorStack optionally carries a stack or multi-line diagnostic.
	ErrorStack string
	// AttemptedAt is when the failing attempt happened.
	AttemptedAt time.Time
	// RetryCount is the number of attempts made before giving up.
	RetryCount int
	// CanRetry indicates whether re-enqueueing could succeed (false for
	// schema violations, true for transient worker failures).
	CanRetry bool
	// SuggestedAction is a short operator hint.
	SuggestedAction string
	// Fields is the original wire mapping, preserved for replay.
	Fields map[string]string
}

// DeadLetter appends the entry to the DLQ stream. The original fields are
// preserved and the dlq_* annotations are layered on top so a replay tool can
// strip them and re-enqueue the original mapping.
func (c *client) DeadLetter(ctx context.Context, entry DeadLetterEntry) (string, error) {
	fields := make(map[string]string, len(entry.Fields)+10)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	attempted := entry.AttemptedAt
	if attempted.IsZero() {
		attempted = time.Now().UTC()
	}
	fields["original_event_id"] = entry.OriginalEventID
	fields["original_stream_id"] = entry.OriginalStreamID
	fields["error_type"] = entry.Reason
	fields["error_message"] = entry.ErrorMessage
	if entry.ErrorStack != "" {
		fields["error_stack"] = entry.ErrorStack
	}
	fields["attempted_at"] = attempted.UTC().Format(time.RFC3339Nano)
	fields["retry_count"] = strconv.Itoa(entry.RetryCount)
	fields["dlq_queued_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["can_retry"] = strconv.FormatBool(entry.CanRetry)
	if entry.SuggestedAction != "" {
		fields["suggested_action"] = entry.SuggestedAction
	}
	return c.Append(ctx, DLQStream, fields)
}

// ABOUTME: Activity ledger recorder that never propagates storage failures
// ABOUTME: A lost audit record is logged and swallowed so it cannot abort the caller's operation

package ledger

import (
	"context"
	"log/slog"

	"github.com/copp1723/CCL-sub003/internal/store"
)

// Recorder appends orchestration facts to the activity ledger. Record never
// returns an error: losing an audit record must never abort a send or a
// connection, so failures are logged and swallowed.
type Recorder struct {
	store  store.LedgerStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder. Pass nil logger for default.
func NewRecorder(s store.LedgerStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
}

// Record appends one activity event. Best effort.
func (r *Recorder) Record(ctx context.Context, eventType, description, source string, metadata map[string]any) {
	evt := &store.ActivityEvent{
		Type:        eventType,
		Description: description,
		Source:      source,
		Metadata:    metadata,
	}

	if err := r.store.SaveActivityEvent(ctx, evt); err != nil {
		r.logger.Error("dropping activity event",
			"type", eventType,
			"source", source,
			"error", err,
		)
	}
}

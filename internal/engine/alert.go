package engine

import "github.com/tillsync/tillsync/internal/model"

// Alerter receives operator-visible sync events. The websocket feed in
// internal/server implements it; NopAlerter discards everything.
type Alerter interface {
	// DeadLettered fires when an item exhausts its retry budget,
	// expires, or is rejected outright.
	DeadLettered(item *model.QueueItem)

	// IntegrityFailure fires when a payload fails hash verification on
	// either side of a sync cycle.
	IntegrityFailure(tenantID, clientID, table, recordID string, cause error)

	// ConflictDetected fires when a divergence under the manual policy
	// is parked for operator review.
	ConflictDetected(conflict *model.Conflict)
}

// NopAlerter ignores all events.
type NopAlerter struct{}

func (NopAlerter) DeadLettered(*model.QueueItem)                          {}
func (NopAlerter) IntegrityFailure(string, string, string, string, error) {}
func (NopAlerter) ConflictDetected(*model.Conflict)                       {}

// deadLetterBridge adapts the engine's current alerter to the queue's
// notifier interface.
type deadLetterBridge struct {
	engine *Engine
}

func (b deadLetterBridge) DeadLettered(item *model.QueueItem) {
	b.engine.alerter.DeadLettered(item)
}

package notify

import "context"

// Emitter delivers user-facing alerts. Implementations may queue, drop, or
// retry on their own; callers must not depend on the outcome.
type Emitter interface {
	Emit(ctx context.Context, n Notification) error
}

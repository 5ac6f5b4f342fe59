package directory

import (
	"time"

	"tuitionflow/auth"
)

// Profile captures the subset of user data exposed via the public API layer.
type Profile struct {
	ID        string
	FullName  string
	PhotoURL  *string
	Role      auth.Role
	CreatedAt time.Time
}

package apps

import "time"

// Status is the application lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusDeleted Status = "deleted"
)

// Application is a tenant-owned deployable unit hosting named functions.
// It owns zero or one live runtime instance.
type Application struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	OwnerID   string    `json:"owner_id"`
	BundleID  string    `json:"bundle_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

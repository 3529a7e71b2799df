package instances

import "time"

// State is the lifecycle state of an application's runtime instance.
// Terminated is absorbing; a later deploy provisions a fresh instance.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateReconciling  State = "reconciling"
	StateDegraded     State = "degraded"
	StateTerminated   State = "terminated"
)

// Instance is the one runtime environment serving an application's
// functions. Generation is a monotonic counter used to discard the
// results of superseded reconciliation jobs on commit.
type Instance struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	AppID      string    `gorm:"uniqueIndex" json:"app_id"`
	Address    string    `json:"address"`
	State      State     `json:"state"`
	Generation uint64    `json:"generation"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Binding records one function version currently loaded on an instance.
type Binding struct {
	InstanceID   string `gorm:"primaryKey"`
	FunctionName string `gorm:"primaryKey"`
	Version      int
	ArtifactID   string
}

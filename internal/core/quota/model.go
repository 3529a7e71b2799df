package quota

import "time"

// Bundle is the resource bundle an application subscribes to. The only
// limit enforced by this control plane is the active function count.
type Bundle struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	Name          string    `json:"name"`
	FunctionLimit int       `json:"function_limit"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageCounter tracks the number of active functions per application.
// It is mutated in the same transaction as the function write it gates,
// so the count never drifts from the registry's committed state.
type UsageCounter struct {
	AppID     string    `gorm:"primaryKey" json:"app_id"`
	Functions int       `json:"functions"`
	UpdatedAt time.Time `json:"updated_at"`
}

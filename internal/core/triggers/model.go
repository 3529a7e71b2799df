package triggers

import "time"

// Trigger binds a cron-style schedule to one of an application's
// functions. Missed counts firings dropped because no live route
// existed; scheduled invocations are at-most-once and never backlog.
type Trigger struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	AppID        string    `gorm:"index" json:"app_id"`
	FunctionName string    `json:"function_name"`
	Schedule     string    `json:"schedule"`
	Payload      string    `json:"payload,omitempty"`
	Missed       int64     `json:"missed"`
	CreatedAt    time.Time `json:"created_at"`
}

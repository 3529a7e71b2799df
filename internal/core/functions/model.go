package functions

import (
	"time"

	"gorm.io/gorm"
)

// Function is a named unit of deployable code scoped to one
// application. Name uniqueness per application is enforced by the
// registry inside its serialized write transaction, so a name can be
// reused after its previous owner is soft-deleted.
type Function struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	AppID      string         `gorm:"index:idx_functions_app_name" json:"app_id"`
	Name       string         `gorm:"index:idx_functions_app_name" json:"name"`
	Source     string         `json:"-"`
	Version    int            `json:"version"`
	ArtifactID *string        `json:"artifact_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// Artifact is the immutable compiled output of a function's source at
// one version. Created only by the compiler, never mutated, and
// garbage-collected only once no route or function references it.
type Artifact struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	FunctionID string    `gorm:"uniqueIndex:idx_artifacts_fn_version" json:"function_id"`
	Version    int       `gorm:"uniqueIndex:idx_artifacts_fn_version" json:"version"`
	Hash       string    `json:"hash"`
	Bundle     []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

package functions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"faas-control/internal/config"
	"faas-control/internal/observability"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Compiler turns function source into a versioned, immutable artifact.
// It validates size and syntax, hashes the compiled output, and writes
// exactly one artifact row. It never touches the function's current
// artifact pointer; that assignment belongs to the caller, which keeps
// compilation idempotent and side-effect-scoped.
type Compiler struct {
	maxSourceBytes int
	lg             zerolog.Logger
}

func NewCompiler(cfg config.Config, lg zerolog.Logger) *Compiler {
	return &Compiler{
		maxSourceBytes: cfg.MaxSourceBytes,
		lg:             lg.With().Str("component", "artifact-compiler").Logger(),
	}
}

// Compile persists and returns the artifact for fn at fn.Version. If an
// artifact for that version already exists it is returned as-is:
// compilation is deterministic, so recompiling the same source yields
// the same content hash.
func (c *Compiler) Compile(tx *gorm.DB, fn *Function, source string) (*Artifact, error) {
	if len(source) == 0 {
		observability.CompileFailures.Inc()
		return nil, &CompileError{Reason: "empty source"}
	}
	if len(source) > c.maxSourceBytes {
		observability.CompileFailures.Inc()
		return nil, &CompileError{
			Reason: fmt.Sprintf("source exceeds %d byte limit", c.maxSourceBytes),
		}
	}

	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader: esbuild.LoaderJS,
		Format: esbuild.FormatESModule,
		Target: esbuild.ES2022,
	})
	if len(result.Errors) > 0 {
		diagnostics := make([]string, 0, len(result.Errors))
		for _, msg := range result.Errors {
			diagnostics = append(diagnostics, msg.Text)
		}
		observability.CompileFailures.Inc()
		c.lg.Debug().Str("function_id", fn.ID).Strs("diagnostics", diagnostics).Msg("compile rejected")
		return nil, &CompileError{Reason: "syntax error", Diagnostics: diagnostics}
	}

	sum := sha256.Sum256(result.Code)
	hash := hex.EncodeToString(sum[:])

	var existing Artifact
	err := tx.First(&existing, "function_id = ? AND version = ?", fn.ID, fn.Version).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("db lookup artifact: %w", err)
	}

	artifact := &Artifact{
		ID:         uuid.NewString(),
		FunctionID: fn.ID,
		Version:    fn.Version,
		Hash:       hash,
		Bundle:     result.Code,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.Create(artifact).Error; err != nil {
		return nil, fmt.Errorf("db create artifact: %w", err)
	}

	c.lg.Info().
		Str("function_id", fn.ID).
		Int("version", fn.Version).
		Str("hash", hash[:12]).
		Msg("artifact compiled")
	return artifact, nil
}

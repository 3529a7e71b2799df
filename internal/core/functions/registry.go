package functions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"faas-control/internal/core/apps"
	"faas-control/internal/core/gateway"
	"faas-control/internal/core/quota"
	"faas-control/pkg/keylock"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ReconcileQueue accepts durable reconciliation requests for an
// application. The instance orchestrator implements it.
type ReconcileQueue interface {
	Enqueue(appID string)
}

// Registry owns function definitions scoped to an application. All
// mutations are serialized per key: quota-bearing operations (create,
// remove) lock the application, while update and compile lock the
// single function, so unrelated tenants never contend.
type Registry struct {
	db        *gorm.DB
	compiler  *Compiler
	admission *quota.Admission
	queue     ReconcileQueue
	router    *gateway.Router
	locks     *keylock.KeyLock
	lg        zerolog.Logger
}

func NewRegistry(db *gorm.DB, compiler *Compiler, admission *quota.Admission,
	queue ReconcileQueue, router *gateway.Router, lg zerolog.Logger) *Registry {
	return &Registry{
		db:        db,
		compiler:  compiler,
		admission: admission,
		queue:     queue,
		router:    router,
		locks:     keylock.New(),
		lg:        lg.With().Str("component", "function-registry").Logger(),
	}
}

// Create registers a new function at version 0 with no artifact. The
// duplicate check and the quota admission run inside the same
// transaction as the insert, closing the check-then-act race.
func (r *Registry) Create(ctx context.Context, appID, name, source string) (*Function, error) {
	if !nameRe.MatchString(name) {
		return nil, &ValidationError{Field: "name", Reason: "must match " + nameRe.String()}
	}

	app, err := r.loadApp(ctx, appID)
	if err != nil {
		return nil, err
	}

	r.locks.Lock(appID)
	defer r.locks.Unlock(appID)

	fn := &Function{
		ID:        uuid.NewString(),
		AppID:     appID,
		Name:      name,
		Source:    source,
		Version:   0,
		CreatedAt: time.Now().UTC(),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Function
		err := tx.First(&existing, "app_id = ? AND name = ?", appID, name).Error
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("db lookup function: %w", err)
		}

		decision, err := r.admission.Admit(tx, appID, app.BundleID, 1)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return &quota.QuotaExceededError{Limit: decision.Limit, Current: decision.Current}
		}

		if err := tx.Create(fn).Error; err != nil {
			return fmt.Errorf("db create function: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.lg.Info().Str("app_id", appID).Str("name", name).Msg("function created")
	return fn, nil
}

// List returns the application's functions ordered by name.
func (r *Registry) List(ctx context.Context, appID string) ([]Function, error) {
	var list []Function
	if err := r.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("name asc").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("db list functions: %w", err)
	}
	return list, nil
}

// Get returns one function by name.
func (r *Registry) Get(ctx context.Context, appID, name string) (*Function, error) {
	return r.get(r.db.WithContext(ctx), appID, name)
}

// Update replaces the function's source and increments its version. It
// does not recompile: editing and deploying are decoupled, a compile is
// a distinct explicit call.
func (r *Registry) Update(ctx context.Context, appID, name, source string) (*Function, error) {
	key := appID + "/" + name
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	var fn *Function
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		fn, err = r.get(tx, appID, name)
		if err != nil {
			return err
		}
		fn.Source = source
		fn.Version++
		if err := tx.Save(fn).Error; err != nil {
			return fmt.Errorf("db update function: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fn, nil
}

// Compile compiles the function and atomically repoints its current
// artifact, then enqueues a reconciliation for the owning application.
// A non-empty source that differs from the stored one is taken as a
// combined edit-and-deploy: the version is bumped before compiling.
// On compile failure the transaction rolls back and the previously
// deployed artifact keeps serving.
func (r *Registry) Compile(ctx context.Context, appID, name, source string) (*Artifact, error) {
	key := appID + "/" + name
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	var artifact *Artifact
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fn, err := r.get(tx, appID, name)
		if err != nil {
			return err
		}
		if source != "" && source != fn.Source {
			fn.Source = source
			fn.Version++
		}

		artifact, err = r.compiler.Compile(tx, fn, fn.Source)
		if err != nil {
			return err
		}

		fn.ArtifactID = &artifact.ID
		if err := tx.Save(fn).Error; err != nil {
			return fmt.Errorf("db update function artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.queue.Enqueue(appID)
	r.lg.Info().
		Str("app_id", appID).
		Str("name", name).
		Int("version", artifact.Version).
		Msg("function compiled, reconciliation enqueued")
	return artifact, nil
}

// Remove soft-deletes the function, releases its quota slot, drops its
// route, and enqueues a reconciliation to unload it from the runtime.
// Removing an already-deleted function reports ErrNotFound.
// Both the app lock (quota counter) and the function lock are taken,
// always in that order, so a concurrent Update or Compile on the same
// function is fully serialized against the delete.
func (r *Registry) Remove(ctx context.Context, appID, name string) error {
	r.locks.Lock(appID)
	defer r.locks.Unlock(appID)
	key := appID + "/" + name
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fn, err := r.get(tx, appID, name)
		if err != nil {
			return err
		}
		if err := tx.Delete(fn).Error; err != nil {
			return fmt.Errorf("db delete function: %w", err)
		}
		return r.admission.Release(tx, appID)
	})
	if err != nil {
		return err
	}

	r.router.DropRoute(appID, name)
	r.queue.Enqueue(appID)
	r.lg.Info().Str("app_id", appID).Str("name", name).Msg("function removed")
	return nil
}

// GCArtifacts deletes artifact rows that are referenced neither by a
// live function's current pointer nor by any route.
func (r *Registry) GCArtifacts(ctx context.Context) (int, error) {
	keep := r.router.ReferencedArtifacts()

	var current []Function
	if err := r.db.WithContext(ctx).
		Where("artifact_id IS NOT NULL").
		Find(&current).Error; err != nil {
		return 0, fmt.Errorf("db list functions: %w", err)
	}
	for _, fn := range current {
		keep[*fn.ArtifactID] = true
	}

	var stale []Artifact
	if err := r.db.WithContext(ctx).Select("id").Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("db list artifacts: %w", err)
	}

	removed := 0
	for _, artifact := range stale {
		if keep[artifact.ID] {
			continue
		}
		if err := r.db.WithContext(ctx).Delete(&Artifact{}, "id = ?", artifact.ID).Error; err != nil {
			return removed, fmt.Errorf("db delete artifact: %w", err)
		}
		removed++
	}
	if removed > 0 {
		r.lg.Info().Int("removed", removed).Msg("artifact garbage collection")
	}
	return removed, nil
}

func (r *Registry) get(tx *gorm.DB, appID, name string) (*Function, error) {
	var fn Function
	err := tx.First(&fn, "app_id = ? AND name = ?", appID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, appID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("db load function: %w", err)
	}
	return &fn, nil
}

func (r *Registry) loadApp(ctx context.Context, appID string) (*apps.Application, error) {
	var app apps.Application
	err := r.db.WithContext(ctx).
		First(&app, "id = ? AND status <> ?", appID, apps.StatusDeleted).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apps.ErrNotFound, appID)
	}
	if err != nil {
		return nil, fmt.Errorf("db load application: %w", err)
	}
	return &app, nil
}

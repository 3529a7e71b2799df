package apps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faas-control/internal/core/quota"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrNotFound is returned when an application does not exist or has
// been deleted.
var ErrNotFound = errors.New("application not found")

// Terminator tears down the runtime instance owned by an application.
// The instance orchestrator implements it.
type Terminator interface {
	Terminate(ctx context.Context, appID string) error
}

type Manager struct {
	db   *gorm.DB
	term Terminator
	lg   zerolog.Logger
}

func NewManager(db *gorm.DB, term Terminator, lg zerolog.Logger) *Manager {
	return &Manager{
		db:   db,
		term: term,
		lg:   lg.With().Str("component", "app-manager").Logger(),
	}
}

// Create registers a new application subscribed to the given resource
// bundle. The bundle must exist.
func (m *Manager) Create(ctx context.Context, ownerID, bundleID string) (*Application, error) {
	var bundle quota.Bundle
	if err := m.db.WithContext(ctx).First(&bundle, "id = ?", bundleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", quota.ErrBundleNotFound, bundleID)
		}
		return nil, fmt.Errorf("load bundle: %w", err)
	}

	app := &Application{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		BundleID:  bundleID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(app).Error; err != nil {
		return nil, fmt.Errorf("db create application: %w", err)
	}

	m.lg.Info().Str("app_id", app.ID).Str("bundle_id", bundleID).Msg("application created")
	return app, nil
}

func (m *Manager) Get(ctx context.Context, appID string) (*Application, error) {
	var app Application
	err := m.db.WithContext(ctx).First(&app, "id = ? AND status <> ?", appID, StatusDeleted).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	if err != nil {
		return nil, fmt.Errorf("db load application: %w", err)
	}
	return &app, nil
}

func (m *Manager) List(ctx context.Context) ([]Application, error) {
	var list []Application
	if err := m.db.WithContext(ctx).
		Where("status <> ?", StatusDeleted).
		Order("created_at asc").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("db list applications: %w", err)
	}
	return list, nil
}

// Stop terminates the application's runtime instance and marks it
// stopped. Functions and artifacts are kept; a later deploy provisions
// a fresh instance.
func (m *Manager) Stop(ctx context.Context, appID string) error {
	app, err := m.Get(ctx, appID)
	if err != nil {
		return err
	}
	if err := m.term.Terminate(ctx, app.ID); err != nil {
		m.lg.Warn().Err(err).Str("app_id", appID).Msg("instance terminate failed, proceeding")
	}
	return m.setStatus(ctx, app, StatusStopped)
}

// Delete terminates the instance and marks the application deleted.
func (m *Manager) Delete(ctx context.Context, appID string) error {
	app, err := m.Get(ctx, appID)
	if err != nil {
		return err
	}
	if err := m.term.Terminate(ctx, app.ID); err != nil {
		m.lg.Warn().Err(err).Str("app_id", appID).Msg("instance terminate failed, proceeding")
	}
	if err := m.setStatus(ctx, app, StatusDeleted); err != nil {
		return err
	}
	m.lg.Info().Str("app_id", appID).Msg("application deleted")
	return nil
}

// MarkRunning records that the application has a ready instance. Called
// by the orchestrator after the first successful reconciliation; a
// no-op unless the application is still pending.
func MarkRunning(ctx context.Context, db *gorm.DB, appID string) error {
	return db.WithContext(ctx).Model(&Application{}).
		Where("id = ? AND status = ?", appID, StatusPending).
		Update("status", StatusRunning).Error
}

func (m *Manager) setStatus(ctx context.Context, app *Application, status Status) error {
	if err := m.db.WithContext(ctx).Model(app).Update("status", status).Error; err != nil {
		return fmt.Errorf("db update application status: %w", err)
	}
	return nil
}

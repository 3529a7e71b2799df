// Package gorm connects the control plane to its postgres store and
// keeps the schema migrated.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faas-control/internal/core/apps"
	"faas-control/internal/core/functions"
	"faas-control/internal/core/instances"
	"faas-control/internal/core/quota"
	"faas-control/internal/core/triggers"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	gormlib "gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// New opens the database and runs auto-migration for every model the
// control plane owns.
func New(dsn string, lg zerolog.Logger) (*gormlib.DB, error) {
	db, err := gormlib.Open(postgres.Open(dsn), &gormlib.Config{
		Logger: &zerologAdapter{lg: lg.With().Str("component", "gorm").Logger()},
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&quota.Bundle{},
		&quota.UsageCounter{},
		&apps.Application{},
		&functions.Function{},
		&functions.Artifact{},
		&instances.Instance{},
		&instances.Binding{},
		&triggers.Trigger{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return db, nil
}

// zerologAdapter routes gorm's logger interface into zerolog. Traces
// are suppressed below the warn threshold to keep request logs quiet.
type zerologAdapter struct {
	lg zerolog.Logger
}

func (a *zerologAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return a }

func (a *zerologAdapter) Info(_ context.Context, msg string, args ...any) {
	a.lg.Info().Msgf(msg, args...)
}

func (a *zerologAdapter) Warn(_ context.Context, msg string, args ...any) {
	a.lg.Warn().Msgf(msg, args...)
}

func (a *zerologAdapter) Error(_ context.Context, msg string, args ...any) {
	a.lg.Error().Msgf(msg, args...)
}

func (a *zerologAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil || errors.Is(err, gormlib.ErrRecordNotFound) {
		return
	}
	sql, rows := fc()
	a.lg.Warn().
		Err(err).
		Str("sql", sql).
		Int64("rows", rows).
		Dur("elapsed", time.Since(begin)).
		Msg("query failed")
}

package triggers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"faas-control/internal/config"
	"faas-control/internal/core/functions"
	"faas-control/internal/core/gateway"
	"faas-control/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrNotFound is returned for unknown triggers.
var ErrNotFound = errors.New("trigger not found")

// Resolver resolves a function invocation to a live route target. The
// gateway router implements it.
type Resolver interface {
	Resolve(appID, functionName string) (gateway.RouteTarget, error)
}

// Scheduler fires triggers whose schedule matches the current minute.
// Delivery is at-most-once and best-effort: a firing with no live
// route is dropped and counted as missed, never queued.
type Scheduler struct {
	db       *gorm.DB
	resolver Resolver
	client   *http.Client
	tick     time.Duration
	lg       zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(db *gorm.DB, resolver Resolver, cfg config.Config, lg zerolog.Logger) *Scheduler {
	tick := cfg.TriggerTick
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		db:       db,
		resolver: resolver,
		client:   &http.Client{Timeout: 30 * time.Second},
		tick:     tick,
		lg:       lg.With().Str("component", "trigger-scheduler").Logger(),
		stop:     make(chan struct{}),
	}
}

// Create binds a schedule to an existing function of the application.
func (s *Scheduler) Create(ctx context.Context, appID, functionName, schedule, payload string) (*Trigger, error) {
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, &functions.ValidationError{Field: "schedule", Reason: err.Error()}
	}

	var fn functions.Function
	err := s.db.WithContext(ctx).First(&fn, "app_id = ? AND name = ?", appID, functionName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", functions.ErrNotFound, appID, functionName)
	}
	if err != nil {
		return nil, fmt.Errorf("db load function: %w", err)
	}

	trigger := &Trigger{
		ID:           uuid.NewString(),
		AppID:        appID,
		FunctionName: functionName,
		Schedule:     schedule,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(trigger).Error; err != nil {
		return nil, fmt.Errorf("db create trigger: %w", err)
	}
	s.lg.Info().Str("app_id", appID).Str("function", functionName).Str("schedule", schedule).Msg("trigger created")
	return trigger, nil
}

func (s *Scheduler) List(ctx context.Context, appID string) ([]Trigger, error) {
	var list []Trigger
	if err := s.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("created_at asc").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("db list triggers: %w", err)
	}
	return list, nil
}

func (s *Scheduler) Delete(ctx context.Context, appID, triggerID string) error {
	result := s.db.WithContext(ctx).Delete(&Trigger{}, "id = ? AND app_id = ?", triggerID, appID)
	if result.Error != nil {
		return fmt.Errorf("db delete trigger: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	return nil
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.runTick(context.Background(), now.UTC())
			}
		}
	}()
}

// Stop halts the tick loop and waits for in-flight firings.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	var trgs []Trigger
	if err := s.db.WithContext(ctx).Find(&trgs).Error; err != nil {
		s.lg.Error().Err(err).Msg("tick: list triggers")
		return
	}

	for _, trg := range trgs {
		schedule, err := ParseSchedule(trg.Schedule)
		if err != nil {
			s.lg.Error().Err(err).Str("trigger_id", trg.ID).Msg("stored schedule no longer parses, skipping")
			continue
		}
		if !schedule.Matches(now) {
			continue
		}
		s.fire(ctx, trg)
	}
}

func (s *Scheduler) fire(ctx context.Context, trg Trigger) {
	target, err := s.resolver.Resolve(trg.AppID, trg.FunctionName)
	if err != nil {
		// Function not deployed or instance degraded: drop the firing.
		observability.TriggerFirings.WithLabelValues("missed").Inc()
		if err := s.db.WithContext(ctx).Model(&Trigger{}).Where("id = ?", trg.ID).
			Update("missed", gorm.Expr("missed + 1")).Error; err != nil {
			s.lg.Error().Err(err).Str("trigger_id", trg.ID).Msg("record missed firing")
		}
		s.lg.Debug().
			Str("app_id", trg.AppID).
			Str("function", trg.FunctionName).
			Msg("trigger fired with no live route, invocation dropped")
		return
	}

	url := fmt.Sprintf("http://%s/invoke/%s", target.Address, trg.FunctionName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(trg.Payload))
	if err != nil {
		observability.TriggerFirings.WithLabelValues("failed").Inc()
		s.lg.Error().Err(err).Str("trigger_id", trg.ID).Msg("build invocation request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		observability.TriggerFirings.WithLabelValues("failed").Inc()
		s.lg.Warn().Err(err).Str("trigger_id", trg.ID).Msg("scheduled invocation failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		observability.TriggerFirings.WithLabelValues("failed").Inc()
		s.lg.Warn().Str("trigger_id", trg.ID).Str("status", resp.Status).Msg("scheduled invocation rejected")
		return
	}
	observability.TriggerFirings.WithLabelValues("invoked").Inc()
}

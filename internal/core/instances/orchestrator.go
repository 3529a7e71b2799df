package instances

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"faas-control/internal/config"
	"faas-control/internal/core/apps"
	"faas-control/internal/core/functions"
	"faas-control/internal/core/gateway"
	"faas-control/internal/observability"
	"faas-control/pkg/keylock"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Orchestrator owns the lifecycle state machine of each application's
// runtime instance and reconciles the loaded function set against the
// registry's desired state. Reconciliation runs on background workers;
// callers get back as soon as a request is enqueued.
type Orchestrator struct {
	db      *gorm.DB
	runtime Runtime
	router  *gateway.Router
	cfg     config.Config
	lg      zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	pending map[string]uint64 // appID -> latest requested generation
	queued  map[string]bool
	stopped bool
	queue   chan string

	locks  *keylock.KeyLock
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewOrchestrator(db *gorm.DB, runtime Runtime, router *gateway.Router,
	cfg config.Config, lg zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		db:      db,
		runtime: runtime,
		router:  router,
		cfg:     cfg,
		lg:      lg.With().Str("component", "instance-orchestrator").Logger(),
		pending: make(map[string]uint64),
		queued:  make(map[string]bool),
		queue:   make(chan string, 1024),
		locks:   keylock.New(),
	}
}

// Start launches the reconcile workers.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	workers := o.cfg.ReconcileWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Stop drains the queue and waits for in-flight reconciliations. The
// close happens under the same mutex that guards Enqueue's send, so a
// late Enqueue (a retry timer, a health sweep) can never hit a closed
// channel.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	o.wg.Wait()
	if o.cancel != nil {
		o.cancel()
	}
}

// Enqueue durably requests a reconciliation for the application. The
// newest request always wins: a job already in flight for an older
// generation discards its result on commit.
func (o *Orchestrator) Enqueue(appID string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.gen++
	o.pending[appID] = o.gen
	if o.queued[appID] {
		o.mu.Unlock()
		return
	}

	// Non-blocking send under the mutex: serialized against the close
	// in Stop.
	select {
	case o.queue <- appID:
		o.queued[appID] = true
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		o.lg.Warn().Str("app_id", appID).Msg("reconcile queue full, deferring")
		time.AfterFunc(o.cfg.ReconcileBackoffBase, func() { o.Enqueue(appID) })
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for appID := range o.queue {
		o.mu.Lock()
		gen := o.pending[appID]
		o.queued[appID] = false
		o.mu.Unlock()

		o.reconcile(ctx, appID, gen)
	}
}

// reconcile aligns one application's instance with the registry's
// desired state. Per-application serialization comes from the keyed
// lock; unrelated applications never contend.
func (o *Orchestrator) reconcile(parent context.Context, appID string, gen uint64) {
	o.locks.Lock(appID)
	defer o.locks.Unlock(appID)

	ctx, cancel := context.WithTimeout(parent, o.cfg.ReconcileTimeout)
	defer cancel()

	lg := o.lg.With().Str("app_id", appID).Uint64("generation", gen).Logger()

	var app apps.Application
	if err := o.db.WithContext(ctx).First(&app, "id = ?", appID).Error; err != nil {
		lg.Error().Err(err).Msg("reconcile: load application")
		observability.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	if app.Status == apps.StatusStopped || app.Status == apps.StatusDeleted {
		o.router.DropApp(appID)
		observability.ReconcileRuns.WithLabelValues("skipped").Inc()
		return
	}

	desired, err := o.desiredState(ctx, appID)
	if err != nil {
		lg.Error().Err(err).Msg("reconcile: compute desired state")
		observability.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}

	inst, err := o.ensureInstance(ctx, appID, len(desired))
	if err != nil {
		lg.Error().Err(err).Msg("reconcile: provision instance")
		o.fail(ctx, appID, inst, gen, err)
		return
	}
	if inst == nil {
		// Nothing deployed and nothing running.
		o.router.SetRoutes(appID, nil)
		observability.ReconcileRuns.WithLabelValues("ready").Inc()
		return
	}

	o.setState(ctx, inst, StateReconciling, "")

	actual := make(map[string]Binding)
	var bindings []Binding
	if err := o.db.WithContext(ctx).Find(&bindings, "instance_id = ?", inst.ID).Error; err != nil {
		lg.Error().Err(err).Msg("reconcile: load bindings")
		observability.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	for _, b := range bindings {
		actual[b.FunctionName] = b
	}

	// Push the diff. Partial failure degrades the instance but keeps
	// the healthy functions serving.
	loaded := make(map[string]LoadSpec, len(desired))
	var failures []string
	for name, spec := range desired {
		if b, ok := actual[name]; ok && b.Version == spec.Version {
			loaded[name] = spec
			continue
		}
		if err := o.runtime.LoadFunction(ctx, inst.Address, spec); err != nil {
			lg.Warn().Err(err).Str("function", name).Int("version", spec.Version).Msg("function load failed")
			failures = append(failures, name)
			continue
		}
		loaded[name] = spec
	}
	for name := range actual {
		if _, ok := desired[name]; ok {
			continue
		}
		if err := o.runtime.Unload(ctx, inst.Address, name); err != nil {
			lg.Warn().Err(err).Str("function", name).Msg("function unload failed")
		}
	}

	// Supersession check: if a newer request arrived while this one ran,
	// discard the result and let the newer job commit instead.
	if o.isStale(appID, gen) {
		lg.Debug().Msg("reconciliation superseded, result discarded")
		observability.ReconcileRuns.WithLabelValues("superseded").Inc()
		return
	}

	if err := o.commit(ctx, inst, gen, loaded, failures); err != nil {
		lg.Error().Err(err).Msg("reconcile: commit")
		observability.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}

	routes := make(map[string]gateway.RouteTarget, len(loaded))
	for name, spec := range loaded {
		routes[name] = gateway.RouteTarget{
			Address:    inst.Address,
			Version:    spec.Version,
			ArtifactID: spec.ArtifactID,
		}
	}
	o.router.SetRoutes(appID, routes)

	if len(failures) > 0 {
		observability.ReconcileRuns.WithLabelValues("degraded").Inc()
		o.retryOrAlert(appID, inst, failures, lg)
	} else {
		observability.ReconcileRuns.WithLabelValues("ready").Inc()
		if err := apps.MarkRunning(ctx, o.db, appID); err != nil {
			lg.Warn().Err(err).Msg("mark application running")
		}
		lg.Info().Int("functions", len(loaded)).Msg("instance reconciled")
	}
	o.refreshDegradedGauge()
}

// Terminate tears down the application's instance, drops its routes,
// and marks any in-flight reconciliation stale.
func (o *Orchestrator) Terminate(ctx context.Context, appID string) error {
	o.mu.Lock()
	o.gen++
	o.pending[appID] = o.gen
	o.mu.Unlock()

	o.locks.Lock(appID)
	defer o.locks.Unlock(appID)

	var inst Instance
	err := o.db.WithContext(ctx).First(&inst, "app_id = ?", appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		o.router.DropApp(appID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("db load instance: %w", err)
	}

	if inst.State != StateTerminated {
		if err := o.runtime.Terminate(ctx, appID); err != nil {
			o.lg.Warn().Err(err).Str("app_id", appID).Msg("runtime terminate failed, proceeding")
		}
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Binding{}, "instance_id = ?", inst.ID).Error; err != nil {
			return err
		}
		return tx.Model(&inst).Updates(map[string]any{
			"state":    StateTerminated,
			"attempts": 0,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("db terminate instance: %w", err)
	}

	o.router.DropApp(appID)
	o.refreshDegradedGauge()
	o.lg.Info().Str("app_id", appID).Msg("instance terminated")
	return nil
}

// ResumeAll re-enqueues every application that had a live instance,
// called once at startup so a control plane restart converges back.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	var live []Instance
	if err := o.db.WithContext(ctx).
		Where("state <> ?", StateTerminated).
		Find(&live).Error; err != nil {
		return fmt.Errorf("db list instances: %w", err)
	}
	for _, inst := range live {
		o.lg.Info().Str("app_id", inst.AppID).Msg("resuming instance reconciliation")
		o.Enqueue(inst.AppID)
	}
	return nil
}

// TerminateAll tears down every managed instance, used on shutdown
// when the deployment is configured as ephemeral.
func (o *Orchestrator) TerminateAll(ctx context.Context) error {
	var live []Instance
	if err := o.db.WithContext(ctx).
		Where("state <> ?", StateTerminated).
		Find(&live).Error; err != nil {
		return fmt.Errorf("db list instances: %w", err)
	}
	for _, inst := range live {
		if err := o.Terminate(ctx, inst.AppID); err != nil {
			o.lg.Error().Err(err).Str("app_id", inst.AppID).Msg("terminate during cleanup")
		}
	}
	return nil
}

// HealthSweep probes every ready instance and enqueues a
// reconciliation for the ones that fail, covering the external signal
// that a running instance lost a binding.
func (o *Orchestrator) HealthSweep(ctx context.Context) {
	var ready []Instance
	if err := o.db.WithContext(ctx).
		Where("state IN ?", []State{StateReady, StateDegraded}).
		Find(&ready).Error; err != nil {
		o.lg.Error().Err(err).Msg("health sweep: list instances")
		return
	}
	for _, inst := range ready {
		if err := o.runtime.HealthCheck(ctx, inst.Address); err != nil {
			o.lg.Warn().Err(err).Str("app_id", inst.AppID).Msg("health check failed, reconciling")
			o.Enqueue(inst.AppID)
		}
	}
}

// desiredState is the set of (function, latest artifact version) the
// instance must serve: every non-deleted function whose current
// artifact pointer is set.
func (o *Orchestrator) desiredState(ctx context.Context, appID string) (map[string]LoadSpec, error) {
	var fns []functions.Function
	if err := o.db.WithContext(ctx).
		Where("app_id = ? AND artifact_id IS NOT NULL", appID).
		Find(&fns).Error; err != nil {
		return nil, fmt.Errorf("db list deployable functions: %w", err)
	}

	desired := make(map[string]LoadSpec, len(fns))
	for _, fn := range fns {
		var artifact functions.Artifact
		if err := o.db.WithContext(ctx).First(&artifact, "id = ?", *fn.ArtifactID).Error; err != nil {
			return nil, fmt.Errorf("db load artifact %s: %w", *fn.ArtifactID, err)
		}
		desired[fn.Name] = LoadSpec{
			FunctionName: fn.Name,
			Version:      artifact.Version,
			ArtifactID:   artifact.ID,
			Hash:         artifact.Hash,
			Bundle:       artifact.Bundle,
		}
	}
	return desired, nil
}

// ensureInstance returns the application's instance, provisioning one
// on the first deploy. A nil instance with nil error means there is
// nothing to run and nothing running.
func (o *Orchestrator) ensureInstance(ctx context.Context, appID string, desiredCount int) (*Instance, error) {
	var inst Instance
	err := o.db.WithContext(ctx).First(&inst, "app_id = ?", appID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if desiredCount == 0 {
			return nil, nil
		}
		inst = Instance{
			ID:        uuid.NewString(),
			AppID:     appID,
			State:     StateProvisioning,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.db.WithContext(ctx).Create(&inst).Error; err != nil {
			return nil, fmt.Errorf("db create instance: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("db load instance: %w", err)
	case inst.State == StateTerminated:
		if desiredCount == 0 {
			return nil, nil
		}
		// Revived by a new deploy after a stop.
		inst.State = StateProvisioning
		inst.Address = ""
		if err := o.db.WithContext(ctx).Save(&inst).Error; err != nil {
			return nil, fmt.Errorf("db revive instance: %w", err)
		}
	}

	if inst.Address == "" {
		addr, err := o.runtime.Provision(ctx, appID)
		if err != nil {
			return &inst, fmt.Errorf("provision runtime: %w", err)
		}
		inst.Address = addr
		if err := o.db.WithContext(ctx).Save(&inst).Error; err != nil {
			return &inst, fmt.Errorf("db save instance address: %w", err)
		}
		o.lg.Info().Str("app_id", appID).Str("address", addr).Msg("instance provisioned")
	}
	return &inst, nil
}

// commit atomically replaces the instance's bindings and records the
// generation this result belongs to.
func (o *Orchestrator) commit(ctx context.Context, inst *Instance, gen uint64,
	loaded map[string]LoadSpec, failures []string) error {
	state := StateReady
	lastErr := ""
	if len(failures) > 0 {
		state = StateDegraded
		lastErr = fmt.Sprintf("failed to load: %v", failures)
	}

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Binding{}, "instance_id = ?", inst.ID).Error; err != nil {
			return err
		}
		for name, spec := range loaded {
			b := Binding{
				InstanceID:   inst.ID,
				FunctionName: name,
				Version:      spec.Version,
				ArtifactID:   spec.ArtifactID,
			}
			if err := tx.Create(&b).Error; err != nil {
				return err
			}
		}

		updates := map[string]any{
			"state":      state,
			"generation": gen,
			"last_error": lastErr,
		}
		if state == StateReady {
			updates["attempts"] = 0
		} else {
			updates["attempts"] = gorm.Expr("attempts + 1")
		}
		return tx.Model(&Instance{}).Where("id = ?", inst.ID).Updates(updates).Error
	})
}

// fail records a reconciliation that could not even reach the diffing
// stage (for example a provisioning error) and schedules a retry.
func (o *Orchestrator) fail(ctx context.Context, appID string, inst *Instance, gen uint64, cause error) {
	observability.ReconcileRuns.WithLabelValues("degraded").Inc()
	if inst == nil || inst.ID == "" {
		return
	}
	if err := o.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", inst.ID).
		Updates(map[string]any{
			"state":      StateDegraded,
			"generation": gen,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error; err != nil {
		o.lg.Error().Err(err).Str("app_id", appID).Msg("record degraded instance")
	}
	lg := o.lg.With().Str("app_id", appID).Logger()
	o.retryOrAlert(appID, inst, nil, lg)
	o.refreshDegradedGauge()
}

func (o *Orchestrator) retryOrAlert(appID string, inst *Instance, failures []string, lg zerolog.Logger) {
	var current Instance
	if err := o.db.First(&current, "id = ?", inst.ID).Error; err != nil {
		lg.Error().Err(err).Msg("reload instance for retry decision")
		return
	}
	if current.Attempts < o.cfg.ReconcileMaxAttempts {
		delay := backoff(o.cfg.ReconcileBackoffBase, current.Attempts)
		lg.Warn().
			Int("attempt", current.Attempts).
			Dur("retry_in", delay).
			Strs("failing_functions", failures).
			Msg("instance degraded, retry scheduled")
		time.AfterFunc(delay, func() { o.Enqueue(appID) })
		return
	}
	// Operator-visible alert, never a silent drop. The failing
	// functions stay out of the route table until a new deploy or a
	// health signal triggers another reconciliation.
	lg.Error().
		Int("attempts", current.Attempts).
		Strs("failing_functions", failures).
		Str("last_error", current.LastError).
		Msg("ALERT: reconciliation attempts exhausted, instance remains degraded")
}

func (o *Orchestrator) setState(ctx context.Context, inst *Instance, state State, lastErr string) {
	if err := o.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", inst.ID).
		Updates(map[string]any{"state": state, "last_error": lastErr}).Error; err != nil {
		o.lg.Error().Err(err).Str("instance_id", inst.ID).Msg("update instance state")
	}
	inst.State = state
}

func (o *Orchestrator) isStale(appID string, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[appID] != gen
}

func (o *Orchestrator) refreshDegradedGauge() {
	var n int64
	if err := o.db.Model(&Instance{}).Where("state = ?", StateDegraded).Count(&n).Error; err != nil {
		return
	}
	observability.DegradedInstances.Set(float64(n))
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > time.Minute {
			return time.Minute
		}
	}
	return d
}

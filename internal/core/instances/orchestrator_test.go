package instances

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"faas-control/internal/config"
	"faas-control/internal/core/apps"
	"faas-control/internal/core/functions"
	"faas-control/internal/core/gateway"
	"faas-control/internal/core/quota"
	"faas-control/internal/observability"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeRuntime struct {
	mu           sync.Mutex
	failLoad     map[string]bool
	provisionErr error
	provisions   int
	loads        []string
	unloads      []string
	terminations []string
}

func (f *fakeRuntime) Provision(ctx context.Context, appID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	f.provisions++
	return "10.0.0.1:8000", nil
}

func (f *fakeRuntime) LoadFunction(ctx context.Context, addr string, spec LoadSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoad[spec.FunctionName] {
		return errors.New("load rejected by runtime")
	}
	f.loads = append(f.loads, spec.FunctionName)
	return nil
}

func (f *fakeRuntime) Unload(ctx context.Context, addr, functionName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, functionName)
	return nil
}

func (f *fakeRuntime) HealthCheck(ctx context.Context, addr string) error { return nil }

func (f *fakeRuntime) Terminate(ctx context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminations = append(f.terminations, appID)
	return nil
}

type fixture struct {
	db       *gorm.DB
	orch     *Orchestrator
	router   *gateway.Router
	registry *functions.Registry
	runtime  *fakeRuntime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // in-memory sqlite: one DB per connection
	require.NoError(t, db.AutoMigrate(
		&apps.Application{}, &quota.Bundle{}, &quota.UsageCounter{},
		&functions.Function{}, &functions.Artifact{},
		&Instance{}, &Binding{},
	))

	require.NoError(t, db.Create(&quota.Bundle{ID: "basic", FunctionLimit: 10}).Error)
	require.NoError(t, db.Create(&apps.Application{
		ID: "app-1", OwnerID: "owner-1", BundleID: "basic", Status: apps.StatusPending,
	}).Error)

	cfg := config.Config{
		MaxSourceBytes:       1 << 20,
		ReconcileWorkers:     1,
		ReconcileTimeout:     5 * time.Second,
		ReconcileMaxAttempts: 2,
		ReconcileBackoffBase: 10 * time.Millisecond,
	}
	runtime := &fakeRuntime{failLoad: make(map[string]bool)}
	router := gateway.NewRouter(zerolog.Nop())
	orch := NewOrchestrator(db, runtime, router, cfg, zerolog.Nop())

	compiler := functions.NewCompiler(cfg, zerolog.Nop())
	registry := functions.NewRegistry(db, compiler, quota.NewAdmission(zerolog.Nop()), orch, router, zerolog.Nop())

	return &fixture{db: db, orch: orch, router: router, registry: registry, runtime: runtime}
}

// runReconcile executes one reconciliation synchronously at a fresh
// generation, bypassing the worker pool for determinism.
func (f *fixture) runReconcile(appID string) {
	f.orch.mu.Lock()
	f.orch.gen++
	gen := f.orch.gen
	f.orch.pending[appID] = gen
	f.orch.mu.Unlock()
	f.orch.reconcile(context.Background(), appID, gen)
}

func (f *fixture) deploy(t *testing.T, name, source string) {
	t.Helper()
	_, err := f.registry.Create(context.Background(), "app-1", name, source)
	require.NoError(t, err)
	_, err = f.registry.Compile(context.Background(), "app-1", name, "")
	require.NoError(t, err)
}

func TestFirstDeployProvisionsInstance(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")

	f.runReconcile("app-1")

	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.Equal(t, StateReady, inst.State)
	require.Equal(t, "10.0.0.1:8000", inst.Address)
	require.Equal(t, 1, f.runtime.provisions)

	target, err := f.router.Resolve("app-1", "f1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8000", target.Address)
	require.Equal(t, 0, target.Version)

	// First successful reconciliation marks the application running.
	var app apps.Application
	require.NoError(t, f.db.First(&app, "id = ?", "app-1").Error)
	require.Equal(t, apps.StatusRunning, app.Status)
}

func TestNoDeployNoInstance(t *testing.T) {
	f := newFixture(t)

	// Functions exist but none compiled: nothing to run yet.
	_, err := f.registry.Create(context.Background(), "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)

	f.runReconcile("app-1")

	require.Equal(t, 0, f.runtime.provisions)
	var count int64
	require.NoError(t, f.db.Model(&Instance{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestPartialFailureDegradesAndKeepsHealthyRoutes(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.deploy(t, "f2", "export default () => 2;")
	f.runtime.failLoad["f2"] = true

	f.runReconcile("app-1")

	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.Equal(t, StateDegraded, inst.State)
	require.Contains(t, inst.LastError, "f2")

	// Partial availability beats total outage: f1 serves, f2 is out.
	_, err := f.router.Resolve("app-1", "f1")
	require.NoError(t, err)
	_, err = f.router.Resolve("app-1", "f2")
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestDegradedRecoversOnRetry(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.deploy(t, "f2", "export default () => 2;")
	f.runtime.failLoad["f2"] = true

	f.runReconcile("app-1")

	f.runtime.mu.Lock()
	f.runtime.failLoad["f2"] = false
	f.runtime.mu.Unlock()

	f.runReconcile("app-1")

	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.Equal(t, StateReady, inst.State)
	require.Equal(t, 0, inst.Attempts)

	_, err := f.router.Resolve("app-1", "f2")
	require.NoError(t, err)
}

func TestStaleReconciliationDiscarded(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")

	f.orch.mu.Lock()
	f.orch.gen = 10
	f.orch.pending["app-1"] = 10
	f.orch.mu.Unlock()

	// A job carrying an older generation commits nothing.
	f.orch.reconcile(context.Background(), "app-1", 9)

	_, err := f.router.Resolve("app-1", "f1")
	require.ErrorIs(t, err, gateway.ErrNotFound)

	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.NotEqual(t, uint64(9), inst.Generation)
}

func TestRemoveUnloadsFunction(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.deploy(t, "f2", "export default () => 2;")
	f.runReconcile("app-1")

	require.NoError(t, f.registry.Remove(context.Background(), "app-1", "f2"))
	f.runReconcile("app-1")

	require.Contains(t, f.runtime.unloads, "f2")
	_, err := f.router.Resolve("app-1", "f2")
	require.ErrorIs(t, err, gateway.ErrNotFound)
	_, err = f.router.Resolve("app-1", "f1")
	require.NoError(t, err)
}

func TestTerminateIsAbsorbing(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.runReconcile("app-1")

	require.NoError(t, f.orch.Terminate(context.Background(), "app-1"))

	require.Contains(t, f.runtime.terminations, "app-1")
	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.Equal(t, StateTerminated, inst.State)

	_, err := f.router.Resolve("app-1", "f1")
	require.ErrorIs(t, err, gateway.ErrNotFound)

	var bindings int64
	require.NoError(t, f.db.Model(&Binding{}).Count(&bindings).Error)
	require.EqualValues(t, 0, bindings)
}

func TestTerminatedInstanceRevivedByNewDeploy(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.runReconcile("app-1")
	require.NoError(t, f.orch.Terminate(context.Background(), "app-1"))

	f.runReconcile("app-1")

	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.Equal(t, StateReady, inst.State)
	require.Equal(t, 2, f.runtime.provisions)
}

func TestProvisionFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.runtime.provisionErr = errors.New("no capacity")

	f.runReconcile("app-1")

	var inst Instance
	require.NoError(t, f.db.First(&inst, "app_id = ?", "app-1").Error)
	require.Equal(t, StateDegraded, inst.State)
	require.Equal(t, 1, inst.Attempts)
	require.Contains(t, inst.LastError, "no capacity")
}

func TestStoppedAppSkipsReconcile(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.runReconcile("app-1")

	require.NoError(t, f.db.Model(&apps.Application{}).
		Where("id = ?", "app-1").Update("status", apps.StatusStopped).Error)

	skipped := testutil.ToFloat64(observability.ReconcileRuns.WithLabelValues("skipped"))
	f.runReconcile("app-1")

	_, err := f.router.Resolve("app-1", "f1")
	require.ErrorIs(t, err, gateway.ErrNotFound)
	require.Equal(t, skipped+1,
		testutil.ToFloat64(observability.ReconcileRuns.WithLabelValues("skipped")))
}

func TestEnqueueRacingStopDoesNotPanic(t *testing.T) {
	f := newFixture(t)
	f.orch.Start()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				f.orch.Enqueue("app-1")
			}
		}()
	}
	close(start)
	f.orch.Stop()
	wg.Wait()

	// Once stopped, further requests are silent no-ops.
	f.orch.Enqueue("app-1")
}

func TestWorkerPoolProcessesEnqueue(t *testing.T) {
	f := newFixture(t)
	f.orch.Start()
	defer f.orch.Stop()

	f.deploy(t, "f1", "export default () => 1;")

	// Compile already enqueued a reconciliation via the registry.
	require.Eventually(t, func() bool {
		_, err := f.router.Resolve("app-1", "f1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResumeAllEnqueuesLiveInstances(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "f1", "export default () => 1;")
	f.runReconcile("app-1")
	f.router.DropApp("app-1") // simulate a control plane restart

	f.orch.Start()
	defer f.orch.Stop()
	require.NoError(t, f.orch.ResumeAll(context.Background()))

	require.Eventually(t, func() bool {
		_, err := f.router.Resolve("app-1", "f1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

package functions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"faas-control/internal/config"
	"faas-control/internal/core/apps"
	"faas-control/internal/core/gateway"
	"faas-control/internal/core/quota"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeQueue struct {
	mu      sync.Mutex
	enqueue []string
}

func (q *fakeQueue) Enqueue(appID string) {
	q.mu.Lock()
	q.enqueue = append(q.enqueue, appID)
	q.mu.Unlock()
}

func (q *fakeQueue) calls() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueue...)
}

type registryFixture struct {
	db       *gorm.DB
	registry *Registry
	queue    *fakeQueue
	router   *gateway.Router
}

func newRegistryFixture(t *testing.T, limit int) *registryFixture {
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
		&Function{}, &Artifact{},
	))

	require.NoError(t, db.Create(&quota.Bundle{ID: "basic", Name: "basic", FunctionLimit: limit}).Error)
	require.NoError(t, db.Create(&apps.Application{
		ID: "app-1", OwnerID: "owner-1", BundleID: "basic", Status: apps.StatusPending,
	}).Error)

	queue := &fakeQueue{}
	router := gateway.NewRouter(zerolog.Nop())
	compiler := NewCompiler(config.Config{MaxSourceBytes: 1 << 20}, zerolog.Nop())
	registry := NewRegistry(db, compiler, quota.NewAdmission(zerolog.Nop()), queue, router, zerolog.Nop())

	return &registryFixture{db: db, registry: registry, queue: queue, router: router}
}

func TestCreateFunction(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	fn, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)
	require.Equal(t, 0, fn.Version)
	require.Nil(t, fn.ArtifactID)

	var counter quota.UsageCounter
	require.NoError(t, f.db.First(&counter, "app_id = ?", "app-1").Error)
	require.Equal(t, 1, counter.Functions)
}

func TestCreateRejectsBadName(t *testing.T) {
	f := newRegistryFixture(t, 2)

	for _, name := range []string{"", "UPPER", "has space", "-leading"} {
		_, err := f.registry.Create(context.Background(), "app-1", name, "export default () => 1;")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "name %q", name)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	f := newRegistryFixture(t, 5)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)

	_, err = f.registry.Create(ctx, "app-1", "f1", "export default () => 2;")
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateUnknownApp(t *testing.T) {
	f := newRegistryFixture(t, 2)
	_, err := f.registry.Create(context.Background(), "nope", "f1", "export default () => 1;")
	require.ErrorIs(t, err, apps.ErrNotFound)
}

func TestQuotaScenario(t *testing.T) {
	// limit=2: f1 and f2 succeed, f3 is denied with limit and current.
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)
	_, err = f.registry.Create(ctx, "app-1", "f2", "export default () => 2;")
	require.NoError(t, err)

	_, err = f.registry.Create(ctx, "app-1", "f3", "export default () => 3;")
	var qerr *quota.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, 2, qerr.Limit)
	require.Equal(t, 2, qerr.Current)

	// The denial rolled back: the committed counter still reads 2.
	var counter quota.UsageCounter
	require.NoError(t, f.db.First(&counter, "app_id = ?", "app-1").Error)
	require.Equal(t, 2, counter.Functions)
}

func TestConcurrentCreatesNeverOverAdmit(t *testing.T) {
	f := newRegistryFixture(t, 2)
	names := []string{"f1", "f2", "f3", "f4", "f5"}

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = f.registry.Create(context.Background(), "app-1", name, "export default () => 1;")
		}(i, name)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			var qerr *quota.QuotaExceededError
			require.ErrorAs(t, err, &qerr)
		}
	}
	require.Equal(t, 2, succeeded)
}

func TestListOrderedByName(t *testing.T) {
	f := newRegistryFixture(t, 5)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := f.registry.Create(ctx, "app-1", name, "export default () => 1;")
		require.NoError(t, err)
	}

	list, err := f.registry.List(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "alpha", list[0].Name)
	require.Equal(t, "mid", list[1].Name)
	require.Equal(t, "zeta", list[2].Name)
}

func TestUpdateBumpsVersionWithoutCompiling(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)

	fn, err := f.registry.Update(ctx, "app-1", "f1", "export default () => 2;")
	require.NoError(t, err)
	require.Equal(t, 1, fn.Version)
	require.Nil(t, fn.ArtifactID)

	var count int64
	require.NoError(t, f.db.Model(&Artifact{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestCompileSetsArtifactAndEnqueues(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)

	artifact, err := f.registry.Compile(ctx, "app-1", "f1", "")
	require.NoError(t, err)

	fn, err := f.registry.Get(ctx, "app-1", "f1")
	require.NoError(t, err)
	require.NotNil(t, fn.ArtifactID)
	require.Equal(t, artifact.ID, *fn.ArtifactID)
	require.Equal(t, []string{"app-1"}, f.queue.calls())
}

func TestCompileFailureKeepsPreviousArtifact(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)
	good, err := f.registry.Compile(ctx, "app-1", "f1", "")
	require.NoError(t, err)

	_, err = f.registry.Compile(ctx, "app-1", "f1", "this is ((( not javascript")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)

	// The function still points at the previously deployed artifact and
	// its version rolled back with the failed transaction.
	fn, err := f.registry.Get(ctx, "app-1", "f1")
	require.NoError(t, err)
	require.NotNil(t, fn.ArtifactID)
	require.Equal(t, good.ID, *fn.ArtifactID)
	require.Equal(t, good.Version, fn.Version)
}

func TestCompileNewSourceBumpsVersion(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)

	a0, err := f.registry.Compile(ctx, "app-1", "f1", "")
	require.NoError(t, err)
	require.Equal(t, 0, a0.Version)

	a1, err := f.registry.Compile(ctx, "app-1", "f1", "export default () => 2;")
	require.NoError(t, err)
	require.Equal(t, 1, a1.Version)
	require.NotEqual(t, a0.Hash, a1.Hash)
}

func TestRemoveIsNotIdempotent(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)

	require.NoError(t, f.registry.Remove(ctx, "app-1", "f1"))

	// A second delete reports NotFound, never a second success.
	err = f.registry.Remove(ctx, "app-1", "f1")
	require.ErrorIs(t, err, ErrNotFound)

	// The quota slot was released exactly once.
	var counter quota.UsageCounter
	require.NoError(t, f.db.First(&counter, "app_id = ?", "app-1").Error)
	require.Equal(t, 0, counter.Functions)
}

func TestRemoveDropsRouteAndFreesQuota(t *testing.T) {
	f := newRegistryFixture(t, 1)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)
	f.router.SetRoutes("app-1", map[string]gateway.RouteTarget{
		"f1": {Address: "10.0.0.1:8000", Version: 0},
	})

	require.NoError(t, f.registry.Remove(ctx, "app-1", "f1"))

	_, err = f.router.Resolve("app-1", "f1")
	require.ErrorIs(t, err, gateway.ErrNotFound)

	// The freed slot can be reused, including the same name.
	_, err = f.registry.Create(ctx, "app-1", "f1", "export default () => 2;")
	require.NoError(t, err)
}

func TestRemoveSerializedWithCompile(t *testing.T) {
	f := newRegistryFixture(t, 5)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("f%d", i)
		_, err := f.registry.Create(ctx, "app-1", name, "export default () => 1;")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var compileErr, removeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, compileErr = f.registry.Compile(ctx, "app-1", name, "")
		}()
		go func() {
			defer wg.Done()
			removeErr = f.registry.Remove(ctx, "app-1", name)
		}()
		wg.Wait()

		// Whichever order the locks grant, the delete is final: a compile
		// losing the race gets NotFound instead of resurrecting the row,
		// and the quota slot stays released.
		require.NoError(t, removeErr)
		if compileErr != nil {
			require.ErrorIs(t, compileErr, ErrNotFound)
		}
		_, err = f.registry.Get(ctx, "app-1", name)
		require.ErrorIs(t, err, ErrNotFound)

		var counter quota.UsageCounter
		require.NoError(t, f.db.First(&counter, "app_id = ?", "app-1").Error)
		require.Equal(t, 0, counter.Functions)
	}
}

func TestGCArtifacts(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)
	a0, err := f.registry.Compile(ctx, "app-1", "f1", "")
	require.NoError(t, err)
	a1, err := f.registry.Compile(ctx, "app-1", "f1", "export default () => 2;")
	require.NoError(t, err)

	// a0 is superseded and unrouted; a1 is the current pointer.
	removed, err := f.registry.GCArtifacts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	var remaining []Artifact
	require.NoError(t, f.db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, a1.ID, remaining[0].ID)
	require.NotEqual(t, a0.ID, remaining[0].ID)
}

func TestGCKeepsRoutedArtifacts(t *testing.T) {
	f := newRegistryFixture(t, 2)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "app-1", "f1", "export default () => 1;")
	require.NoError(t, err)
	a0, err := f.registry.Compile(ctx, "app-1", "f1", "")
	require.NoError(t, err)

	// Old version still routed (instance not yet reconciled).
	f.router.SetRoutes("app-1", map[string]gateway.RouteTarget{
		"f1": {Address: "10.0.0.1:8000", Version: 0, ArtifactID: a0.ID},
	})

	_, err = f.registry.Compile(ctx, "app-1", "f1", "export default () => 2;")
	require.NoError(t, err)

	removed, err := f.registry.GCArtifacts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

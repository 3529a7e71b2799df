package functions

import (
	"strings"
	"testing"

	"faas-control/internal/config"
	"faas-control/internal/observability"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func compilerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // in-memory sqlite: one DB per connection
	require.NoError(t, db.AutoMigrate(&Function{}, &Artifact{}))
	return db
}

func testCompiler() *Compiler {
	return NewCompiler(config.Config{MaxSourceBytes: 1 << 20}, zerolog.Nop())
}

func TestCompileProducesArtifact(t *testing.T) {
	db := compilerTestDB(t)
	c := testCompiler()

	fn := &Function{ID: "fn-1", AppID: "app-1", Name: "f1", Version: 1}
	artifact, err := c.Compile(db, fn, "export default () => 42;")
	require.NoError(t, err)
	require.Equal(t, "fn-1", artifact.FunctionID)
	require.Equal(t, 1, artifact.Version)
	require.NotEmpty(t, artifact.Hash)
	require.NotEmpty(t, artifact.Bundle)

	var count int64
	require.NoError(t, db.Model(&Artifact{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCompileIsDeterministic(t *testing.T) {
	db := compilerTestDB(t)
	c := testCompiler()

	const source = "export default (req) => ({ ok: true });"
	a1, err := c.Compile(db, &Function{ID: "fn-1", Version: 1}, source)
	require.NoError(t, err)
	a2, err := c.Compile(db, &Function{ID: "fn-2", Version: 1}, source)
	require.NoError(t, err)

	require.Equal(t, a1.Hash, a2.Hash)
	require.NotEqual(t, a1.ID, a2.ID)
}

func TestCompileSameVersionIsIdempotent(t *testing.T) {
	db := compilerTestDB(t)
	c := testCompiler()

	fn := &Function{ID: "fn-1", Version: 3}
	a1, err := c.Compile(db, fn, "export default () => 1;")
	require.NoError(t, err)
	a2, err := c.Compile(db, fn, "export default () => 1;")
	require.NoError(t, err)
	require.Equal(t, a1.ID, a2.ID)

	var count int64
	require.NoError(t, db.Model(&Artifact{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCompileSyntaxError(t *testing.T) {
	db := compilerTestDB(t)
	c := testCompiler()

	_, err := c.Compile(db, &Function{ID: "fn-1"}, "export default ((( nope")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "syntax error", cerr.Reason)
	require.NotEmpty(t, cerr.Diagnostics)

	// A rejected compile writes nothing.
	var count int64
	require.NoError(t, db.Model(&Artifact{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestCompileSizeLimit(t *testing.T) {
	db := compilerTestDB(t)
	c := NewCompiler(config.Config{MaxSourceBytes: 64}, zerolog.Nop())

	big := "export default () => \"" + strings.Repeat("x", 100) + "\";"
	_, err := c.Compile(db, &Function{ID: "fn-1"}, big)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Reason, "byte limit")
}

func TestCompileEmptySource(t *testing.T) {
	db := compilerTestDB(t)

	failures := testutil.ToFloat64(observability.CompileFailures)
	_, err := testCompiler().Compile(db, &Function{ID: "fn-1"}, "")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)

	// Counted like every other rejected compile.
	require.Equal(t, failures+1, testutil.ToFloat64(observability.CompileFailures))
}

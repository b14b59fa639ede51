package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"

	"clickbloom-license/pkg/config"
)

func TestDialect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Type = "postgres"
	cfg.Database.Host = "db"
	cfg.Database.Port = "5432"
	cfg.Database.DBNAME = "licenses"

	d, err := Dialect(cfg)
	require.NoError(t, err)
	pg, ok := d.(*postgres.Dialector)
	require.True(t, ok)
	require.Contains(t, pg.Config.DSN, "dbname=licenses")
	require.Equal(t, "licenses", getDBNameFromDialector(d))

	cfg.Database.Type = "mysql"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	_, ok = d.(*mysql.Dialector)
	require.True(t, ok)
	require.Equal(t, "licenses", getDBNameFromDialector(d))

	cfg.Database.Type = "sqlite"
	cfg.Database.Path = "file::memory:"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	_, ok = d.(*sqlite.Dialector)
	require.True(t, ok)

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}

func TestOpenSqlite(t *testing.T) {
	zap.ReplaceGlobals(zap.NewNop())
	cfg := &config.Config{AppEnv: "production"}

	db, err := Open(cfg, sqlite.Open("file:open_test?mode=memory&cache=shared"))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, sqlDB.Ping())
}

func TestZapGormLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapGormLogger(zap.New(core), logger.Warn, false)

	sql := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), sql, nil)
	require.Equal(t, 0, logs.Len())

	l.Trace(context.Background(), time.Now(), sql, logger.ErrRecordNotFound)
	require.Equal(t, 0, logs.Len())

	l.Trace(context.Background(), time.Now(), sql, errors.New("syntax error"))
	require.Equal(t, 1, logs.FilterMessage("gorm.query").Len())

	l.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	require.Equal(t, 1, logs.FilterMessage("gorm.slow_query").Len())

	silent := l.LogMode(logger.Silent)
	silent.Trace(context.Background(), time.Now(), sql, errors.New("ignored"))
	require.Equal(t, 2, logs.Len())
}

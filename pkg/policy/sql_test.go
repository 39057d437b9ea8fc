package policy

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(context.Background(), db))
	return db
}

func TestSQLStore_SQLite(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewSQLStore(setupTestDB(t), DriverSQLite)
		require.NoError(t, err)
		return s
	})
}

func TestSQLStore_Postgres(t *testing.T) {
	db := RequireDatabase(t)
	defer db.Close()

	runStoreTests(t, func(t *testing.T) Store {
		ctx := context.Background()
		for _, table := range []string{
			"entitle_module_subscriptions", "entitle_user_exceptions", "entitle_franchise_overrides",
			"entitle_user_roles", "entitle_roles", "entitle_users",
			"entitle_module_dependencies", "entitle_module_permissions", "entitle_modules",
			"entitle_catalog_meta", "entitle_migrations",
		} {
			_, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
			require.NoError(t, err)
		}
		require.NoError(t, RunMigrations(ctx, db))

		s, err := NewSQLStore(db, DriverPostgres)
		require.NoError(t, err)
		return s
	})
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, RunMigrations(context.Background(), db))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM entitle_migrations").Scan(&count))
	assert.Equal(t, len(GetMigrations()), count)
}

func TestNewSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLStore(nil, "mysql")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSQLStore_CatalogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	first, err := NewSQLStore(db, DriverSQLite)
	require.NoError(t, err)
	_, err = first.RegisterModules(ctx, testModules()...)
	require.NoError(t, err)

	second, err := NewSQLStore(db, DriverSQLite)
	require.NoError(t, err)
	c, err := second.Catalog(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Version())
	assert.Equal(t, 3, c.Len())
	inv, ok := c.Module("INVENTORY")
	require.True(t, ok)
	assert.Equal(t, []Dependency{{Module: "POS", Required: true}}, inv.Dependencies)
	assert.Equal(t, []PermissionCode{"INVENTORY_PO_APPROVE", "INVENTORY_VIEW"}, inv.Permissions)
}

func TestSQLStore_PermissionMovesBetweenModules(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLStore(setupTestDB(t), DriverSQLite)
	require.NoError(t, err)

	_, err = s.RegisterModules(ctx, testModules()...)
	require.NoError(t, err)

	_, err = s.RegisterModules(ctx,
		Module{Code: "INVENTORY", Name: "Inventory", Permissions: []PermissionCode{"INVENTORY_VIEW"},
			Dependencies: []Dependency{{Module: "POS", Required: true}}},
		Module{Code: "REPORTS", Name: "Reports", Permissions: []PermissionCode{"REPORTS_VIEW", "INVENTORY_PO_APPROVE"}},
	)
	require.NoError(t, err)

	c, err := s.Catalog(ctx)
	require.NoError(t, err)
	owner, ok := c.OwnerOf("INVENTORY_PO_APPROVE")
	require.True(t, ok)
	assert.Equal(t, ModuleCode("REPORTS"), owner)
}

func setupMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLStore(db, DriverSQLite)
	require.NoError(t, err)
	return s, mock
}

func TestSQLStore_LoadFactsFailures(t *testing.T) {
	dbErr := errors.New("connection reset by peer")

	t.Run("begin fails", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin().WillReturnError(dbErr)

		facts, err := s.LoadFacts(context.Background(), "t1", "u1")
		assert.Nil(t, facts)
		assert.ErrorIs(t, err, ErrDataFetch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("user query fails", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_type, created_at, updated_at").
			WithArgs("t1", "u1").
			WillReturnError(dbErr)
		mock.ExpectRollback()

		facts, err := s.LoadFacts(context.Background(), "t1", "u1")
		assert.Nil(t, facts)
		assert.ErrorIs(t, err, ErrDataFetch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role query fails after user read", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_type, created_at, updated_at").
			WithArgs("t1", "u1").
			WillReturnRows(sqlmock.NewRows([]string{"user_type", "created_at", "updated_at"}).
				AddRow("owner", fixedTime, fixedTime))
		mock.ExpectQuery("FROM entitle_roles r").
			WithArgs("t1", "u1").
			WillReturnError(dbErr)
		mock.ExpectRollback()

		facts, err := s.LoadFacts(context.Background(), "t1", "u1")
		assert.Nil(t, facts, "a failed read must never yield facts")
		assert.ErrorIs(t, err, ErrDataFetch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user is not a fetch error", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_type, created_at, updated_at").
			WithArgs("t1", "u1").
			WillReturnRows(sqlmock.NewRows([]string{"user_type", "created_at", "updated_at"}))
		mock.ExpectRollback()

		_, err := s.LoadFacts(context.Background(), "t1", "u1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotErrorIs(t, err, ErrDataFetch)
	})
}

func TestSQLStore_CatalogFailure(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectQuery("SELECT version FROM entitle_catalog_meta").
		WillReturnError(errors.New("timeout"))

	_, err := s.Catalog(context.Background())
	assert.ErrorIs(t, err, ErrDataFetch)
}

func TestSQLStore_RegisterModulesRollsBack(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE entitle_catalog_meta SET version = version WHERE id = 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT version FROM entitle_catalog_meta").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectQuery("SELECT code, name, is_core FROM entitle_modules").
		WillReturnRows(sqlmock.NewRows([]string{"code", "name", "is_core"}))
	mock.ExpectQuery("SELECT code, module FROM entitle_module_permissions").
		WillReturnRows(sqlmock.NewRows([]string{"code", "module"}))
	mock.ExpectQuery("SELECT module, required_module, is_required FROM entitle_module_dependencies").
		WillReturnRows(sqlmock.NewRows([]string{"module", "required_module", "is_required"}))
	mock.ExpectExec("INSERT INTO entitle_modules").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.RegisterModules(context.Background(), Module{Code: "POS", Name: "POS", IsCore: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert module POS")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RegisterModulesLocksCatalogVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, DriverPostgres)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM entitle_catalog_meta WHERE id = 1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectQuery("SELECT code, name, is_core FROM entitle_modules").
		WillReturnRows(sqlmock.NewRows([]string{"code", "name", "is_core"}).AddRow("CORE", "Core", true))
	mock.ExpectQuery("SELECT code, module FROM entitle_module_permissions").
		WillReturnRows(sqlmock.NewRows([]string{"code", "module"}).AddRow("DASHBOARD_VIEW", "CORE"))
	mock.ExpectQuery("SELECT module, required_module, is_required FROM entitle_module_dependencies").
		WillReturnRows(sqlmock.NewRows([]string{"module", "required_module", "is_required"}))
	mock.ExpectExec("INSERT INTO entitle_modules").
		WithArgs("POS", "Point of Sale", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM entitle_module_permissions").
		WithArgs("POS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM entitle_module_dependencies").
		WithArgs("POS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO entitle_module_permissions").
		WithArgs("POS_CREATE_SALE", "POS").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE entitle_catalog_meta SET version = \$1`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := s.RegisterModules(context.Background(),
		Module{Code: "POS", Name: "Point of Sale", Permissions: []PermissionCode{"POS_CREATE_SALE"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Version())
	assert.Equal(t, 2, c.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, DriverSQLite)
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("unreachable"))
	assert.ErrorIs(t, s.Ping(context.Background()), ErrDataFetch)
}

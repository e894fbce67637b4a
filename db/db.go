package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/consts"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/metrics"
)

// Database wraps the PostgreSQL connection pools. All persistence for
// accounts, sync state, messages, contacts, interactions and jobs goes
// through methods on this type.
type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

// NewDatabaseFromConfig creates the connection pools, runs pending schema
// migrations, and verifies connectivity.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.LogQueries)
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.LogQueries)
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("no read database configured, using write pool for reads")
	}

	db := &Database{WritePool: writePool, ReadPool: readPool}

	migrationTimeout, err := dbConfig.GetMigrationTimeout()
	if err != nil {
		db.Close()
		return nil, err
	}
	migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if err := db.Migrate(migrateCtx, dbConfig.Write); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return db, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	poolConfig, err := pgxpool.ParseConfig(endpoint.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idle, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idle
	}
	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return pool, nil
}

// Migrate applies pending migrations from the embedded filesystem.
func (db *Database) Migrate(ctx context.Context, endpoint *config.DatabaseEndpointConfig) error {
	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	sqlDB, err := sql.Open("pgx", endpoint.ConnString())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// GetReadPoolWithContext returns the pool for read operations, honoring the
// session-pinning context key for read-after-write consistency.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// BeginTx starts a transaction on the write pool.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	return tx, nil
}

// StartPoolMetrics starts a goroutine that periodically exports connection
// pool gauges.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	record := func(pool *pgxpool.Pool, label string) {
		stats := pool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues(label).Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues(label).Set(float64(stats.IdleConns()))
		metrics.DBPoolAcquiredConns.WithLabelValues(label).Set(float64(stats.AcquiredConns()))
	}

	if db.WritePool != nil {
		record(db.WritePool, "write")
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		record(db.ReadPool, "read")
	}
}

// queryTracer logs every statement at debug level when [database] log_queries
// is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("db query", "sql", oneLine(data.SQL), "args", len(data.Args))
	return ctx
}

func (t *queryTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {}

func oneLine(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

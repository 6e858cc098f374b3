package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"popster-server/internal/config"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// Service wraps the process-wide connection pool.
type Service interface {
	DB() *sql.DB
	// Driver is "sqlite3" or "postgres".
	Driver() string
	// Rebind rewrites ? placeholders for the active driver.
	Rebind(query string) string
	Health(ctx context.Context) map[string]string
	Close() error
}

type service struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// New opens the pool and applies pending migrations.
func New(cfg config.DatabaseConfig, log *zap.Logger) (Service, error) {
	driverName := cfg.Driver
	if driverName == "postgres" {
		driverName = "pgx"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	switch {
	case cfg.Driver == "sqlite3" && strings.Contains(cfg.DSN, ":memory:"):
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	if err := Migrate(db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database ready", zap.String("driver", cfg.Driver))
	return &service{db: db, driver: cfg.Driver, log: log}, nil
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB, driver string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *service) DB() *sql.DB    { return s.db }
func (s *service) Driver() string { return s.driver }

func (s *service) Rebind(query string) string {
	return Rebind(s.driver, query)
}

// Rebind turns ? placeholders into $1..$n for postgres. Other drivers get
// the query back unchanged.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		s.log.Warn("database health check failed", zap.Error(err))
		return stats
	}

	dbStats := s.db.Stats()
	stats["status"] = "up"
	stats["driver"] = s.driver
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	return stats
}

func (s *service) Close() error {
	s.log.Info("closing database")
	return s.db.Close()
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names for the database-backed store.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures the database backend.
type StoreConfig struct {
	Driver       string // "sqlite" (default) or "postgres".
	Path         string // SQLite file path.
	DSN          string // PostgreSQL DSN.
	MaxOpenConns int    // PostgreSQL pool size. Default: 10.
	MaxIdleConns int    // Default: 2.
}

func (c StoreConfig) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 10
}

func (c StoreConfig) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 2
}

// JSONB is a json.RawMessage stored in a jsonb column.
// The SQLite backend stores the same bytes as text.
type JSONB json.RawMessage

// EventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt — the audit trail is append-only and immutable.
type EventModel struct {
	ID        string    `gorm:"primaryKey"`
	Layer     string    `gorm:"not null;index"`
	Outcome   string    `gorm:"not null;index"`
	Source    string    `gorm:"index"`
	Detail    JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time `gorm:"index"`
}

func (EventModel) TableName() string { return "audit_events" }

// Store is the database-backed audit sink. Append and read only: the write
// surface is Record, there is no update path.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// OpenStore connects to the configured database and runs AutoMigrate for the
// audit_events table.
func OpenStore(cfg StoreConfig, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite audit store requires a path")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating audit store directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite audit store: %w", err)
		}

	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres audit store requires a DSN")
		}
		sqlDB, openErr := sql.Open("pgx", cfg.DSN)
		if openErr != nil {
			return nil, fmt.Errorf("opening postgres connection: %w", openErr)
		}
		sqlDB.SetMaxOpenConns(cfg.maxOpen())
		sqlDB.SetMaxIdleConns(cfg.maxIdle())
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening postgres audit store: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown audit store driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, fmt.Errorf("migrating audit store: %w", err)
	}

	slogger.Info("audit store opened", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

// Record appends one event. Implements Sink.
func (s *Store) Record(ctx context.Context, event Event) error {
	model, err := toModel(event)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Recent returns events newest first. Layer filters when non-empty;
// limit defaults to 100.
func (s *Store) Recent(ctx context.Context, layer string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if layer != "" {
		q = q.Where("layer = ?", layer)
	}

	var models []EventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]Event, len(models))
	for i := range models {
		events[i] = fromModel(&models[i])
	}
	return events, nil
}

// Prune deletes events older than cutoff and returns the count removed.
// Retention is the only deletion path, and it is driven by the janitor,
// never by request handling.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&EventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the backend name ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.driver
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(event Event) (EventModel, error) {
	detail := []byte("{}")
	if len(event.Detail) > 0 {
		data, err := json.Marshal(event.Detail)
		if err != nil {
			return EventModel{}, fmt.Errorf("marshaling event detail: %w", err)
		}
		detail = data
	}
	return EventModel{
		ID:        event.ID,
		Layer:     event.Layer,
		Outcome:   event.Outcome,
		Source:    event.Source,
		Detail:    JSONB(detail),
		CreatedAt: event.Timestamp,
	}, nil
}

func fromModel(m *EventModel) Event {
	var detail map[string]any
	if len(m.Detail) > 0 {
		_ = json.Unmarshal(m.Detail, &detail)
	}
	return Event{
		ID:        m.ID,
		Timestamp: m.CreatedAt,
		Layer:     m.Layer,
		Outcome:   m.Outcome,
		Source:    m.Source,
		Detail:    detail,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

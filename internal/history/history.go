// Package history persists execution records for later inspection.
// SQLite (pure Go, no CGO) is the default backend; PostgreSQL is
// available for shared deployments. All GORM usage is confined to this
// package.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config configures the execution history store.
type Config struct {
	Driver        string `json:"driver" yaml:"driver"`                 // "sqlite" (default) or "postgres"
	Path          string `json:"path" yaml:"path"`                     // SQLite database file path
	DSN           string `json:"dsn" yaml:"dsn"`                       // PostgreSQL connection string
	RetentionDays int    `json:"retention_days" yaml:"retention_days"` // 0 = keep forever
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"` // cron expression, default "0 3 * * *"
}

// ExecutionModel is the persisted form of one execution.
type ExecutionModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	Command    string `gorm:"not null"`
	Directory  string
	Mode       string `gorm:"not null;index"` // "single" or "pipeline"
	Status     int    `gorm:"not null"`
	Error      string
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

// TableName overrides GORM's default pluralization.
func (ExecutionModel) TableName() string {
	return "executions"
}

// Entry is one execution to record.
type Entry struct {
	ExecutionID string
	Command     []string
	Directory   string
	Mode        string
	Status      int
	Error       string
	Duration    time.Duration
}

// Store records and queries execution history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	cfg    Config
}

// Open connects to the configured backend. The SQLite path's parent
// directory is created if missing.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
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
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres:
		db, err = openPostgres(cfg.DSN, gormCfg)
	case DriverSQLite, "":
		db, err = openSQLite(cfg.Path, gormCfg)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: slogger, cfg: cfg}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	slogger.Info("history store opened",
		slog.String("driver", s.Driver()),
	)
	return s, nil
}

func openSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	return db, nil
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&ExecutionModel{})
}

// Driver returns the active backend name.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	if strings.EqualFold(s.cfg.Driver, DriverPostgres) {
		return DriverPostgres
	}
	return DriverSQLite
}

// Record persists one execution. Nil-safe so callers can run with
// history disabled. Errors are logged, not returned: history is a
// best-effort concern and must never fail an execution.
func (s *Store) Record(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	id := e.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	model := ExecutionModel{
		ID:         id,
		Command:    strings.Join(e.Command, " "),
		Directory:  e.Directory,
		Mode:       e.Mode,
		Status:     e.Status,
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		s.logger.WarnContext(ctx, "recording execution history failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns up to limit executions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ExecutionModel, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []ExecutionModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Prune deletes executions recorded before the cutoff. Returns the
// number of deleted rows.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ExecutionModel{})
	return res.RowsAffected, res.Error
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

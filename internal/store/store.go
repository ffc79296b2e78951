// Package store persists run records in SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver, with WAL mode enabled for concurrent reads while a run is writing.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store is the SQLite-backed run archive.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open creates a Store, creating the database file and parent directory if
// needed.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{db: db, logger: slogger, path: cfg.Path}
	slogger.Info("store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&RunModel{})
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunRecord is one archived agent run.
type RunRecord struct {
	ID           uuid.UUID
	InstanceID   string
	Model        string
	Provider     string
	State        string
	Reason       string
	Steps        int
	Retries      int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	WorkspaceDir string
	PatchPath    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunModel is the GORM persistence model for RunRecord.
type RunModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	InstanceID   string    `gorm:"not null;index"`
	Model        string    `gorm:"not null;index"`
	Provider     string    `gorm:"not null"`
	State        string    `gorm:"not null;index"`
	Reason       string
	Steps        int
	Retries      int
	InputTokens  int
	OutputTokens int
	DurationMS   int64
	WorkspaceDir string
	PatchPath    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the table name.
func (RunModel) TableName() string { return "runs" }

func toRunModel(rec *RunRecord) RunModel {
	return RunModel{
		ID:           rec.ID,
		InstanceID:   rec.InstanceID,
		Model:        rec.Model,
		Provider:     rec.Provider,
		State:        rec.State,
		Reason:       rec.Reason,
		Steps:        rec.Steps,
		Retries:      rec.Retries,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		DurationMS:   rec.Duration.Milliseconds(),
		WorkspaceDir: rec.WorkspaceDir,
		PatchPath:    rec.PatchPath,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func fromRunModel(m *RunModel) *RunRecord {
	return &RunRecord{
		ID:           m.ID,
		InstanceID:   m.InstanceID,
		Model:        m.Model,
		Provider:     m.Provider,
		State:        m.State,
		Reason:       m.Reason,
		Steps:        m.Steps,
		Retries:      m.Retries,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		Duration:     time.Duration(m.DurationMS) * time.Millisecond,
		WorkspaceDir: m.WorkspaceDir,
		PatchPath:    m.PatchPath,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// SaveRun inserts or updates a run record. A zero ID gets one assigned; the
// record is updated in place with assigned ID and timestamps.
func (s *Store) SaveRun(ctx context.Context, rec *RunRecord) error {
	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	model := toRunModel(rec)
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("saving run %s: %w", rec.ID, err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	var model RunModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return fromRunModel(&model), nil
}

// ListFilter narrows ListRuns. Zero values mean no filtering.
type ListFilter struct {
	InstanceID string
	State      string
	Limit      int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter ListFilter) ([]*RunRecord, error) {
	q := s.db.WithContext(ctx).Model(&RunModel{}).Order("created_at DESC")
	if filter.InstanceID != "" {
		q = q.Where("instance_id = ?", filter.InstanceID)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	records := make([]*RunRecord, 0, len(models))
	for i := range models {
		records = append(records, fromRunModel(&models[i]))
	}
	return records, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

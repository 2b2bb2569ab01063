package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// statementRecord is the gorm model behind Statement. Text, Overrides
// and Tags live in JSON columns so per-language text and partial
// overrides need no schema churn.
type statementRecord struct {
	ID        string `gorm:"primaryKey"`
	SetName   string `gorm:"index"`
	Position  int
	Text      datatypes.JSON `gorm:"not null"`
	Overrides datatypes.JSON
	Tags      datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (statementRecord) TableName() string {
	return "statements"
}

// settingsRecord stores the session defaults as one JSON row.
type settingsRecord struct {
	ID        uint           `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (settingsRecord) TableName() string {
	return "settings"
}

const settingsRowID = 1

// SQLiteStore persists statements and settings in a SQLite database.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens the content database at path, creating and
// migrating it as needed. A DSN like
// "file:content?mode=memory&cache=shared" yields a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open content database: %w", err)
	}
	if err := db.AutoMigrate(&statementRecord{}, &settingsRecord{}); err != nil {
		return nil, fmt.Errorf("migrate content database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Statement returns the statement with the given id.
func (s *SQLiteStore) Statement(ctx context.Context, id string) (Statement, error) {
	var rec statementRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Statement{}, notFound(id)
		}
		return Statement{}, fmt.Errorf("load statement %s: %w", id, err)
	}
	return decodeStatement(rec)
}

// StatementsByIDs returns statements in request order, skipping missing
// ids with a logged gap.
func (s *SQLiteStore) StatementsByIDs(ctx context.Context, ids []string) ([]Statement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []statementRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load statements: %w", err)
	}
	found := make(map[string]Statement, len(recs))
	for _, rec := range recs {
		st, err := decodeStatement(rec)
		if err != nil {
			return nil, err
		}
		found[st.ID] = st
	}
	return orderByIDs(ids, found), nil
}

// StatementsBySet returns a set's statements ordered by Position.
func (s *SQLiteStore) StatementsBySet(ctx context.Context, set string) ([]Statement, error) {
	var recs []statementRecord
	err := s.db.WithContext(ctx).
		Where("set_name = ?", set).
		Order("position, id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load statement set %s: %w", set, err)
	}
	out := make([]Statement, 0, len(recs))
	for _, rec := range recs {
		st, err := decodeStatement(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Sets lists the distinct statement sets, sorted.
func (s *SQLiteStore) Sets(ctx context.Context) ([]string, error) {
	var sets []string
	err := s.db.WithContext(ctx).
		Model(&statementRecord{}).
		Distinct("set_name").
		Where("set_name <> ''").
		Order("set_name").
		Pluck("set_name", &sets).Error
	if err != nil {
		return nil, fmt.Errorf("list statement sets: %w", err)
	}
	return sets, nil
}

// SaveStatements inserts or replaces statements by id in one
// transaction.
func (s *SQLiteStore) SaveStatements(ctx context.Context, statements []Statement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, st := range statements {
			rec, err := encodeStatement(st)
			if err != nil {
				return err
			}
			if err := tx.Where("id = ?", rec.ID).Delete(&statementRecord{}).Error; err != nil {
				return err
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Settings returns the stored session defaults, or DefaultSettings for
// a fresh database.
func (s *SQLiteStore) Settings(ctx context.Context) (Settings, error) {
	var rec settingsRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", settingsRowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(rec.Data, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces the session defaults.
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", settingsRowID).Delete(&settingsRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&settingsRecord{ID: settingsRowID, Data: data}).Error
	})
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func encodeStatement(st Statement) (statementRecord, error) {
	text, err := json.Marshal(st.Text)
	if err != nil {
		return statementRecord{}, fmt.Errorf("encode statement %s: %w", st.ID, err)
	}
	rec := statementRecord{
		ID:       st.ID,
		SetName:  st.Set,
		Position: st.Position,
		Text:     text,
	}
	if !st.Overrides.IsZero() {
		ov, err := json.Marshal(st.Overrides)
		if err != nil {
			return statementRecord{}, fmt.Errorf("encode statement %s overrides: %w", st.ID, err)
		}
		rec.Overrides = ov
	}
	if len(st.Tags) > 0 {
		tags, err := json.Marshal(st.Tags)
		if err != nil {
			return statementRecord{}, fmt.Errorf("encode statement %s tags: %w", st.ID, err)
		}
		rec.Tags = tags
	}
	return rec, nil
}

func decodeStatement(rec statementRecord) (Statement, error) {
	st := Statement{
		ID:       rec.ID,
		Set:      rec.SetName,
		Position: rec.Position,
	}
	if err := json.Unmarshal(rec.Text, &st.Text); err != nil {
		return Statement{}, fmt.Errorf("decode statement %s text: %w", rec.ID, err)
	}
	if len(rec.Overrides) > 0 {
		st.Overrides = new(tts.Overrides)
		if err := json.Unmarshal(rec.Overrides, st.Overrides); err != nil {
			return Statement{}, fmt.Errorf("decode statement %s overrides: %w", rec.ID, err)
		}
	}
	if len(rec.Tags) > 0 {
		if err := json.Unmarshal(rec.Tags, &st.Tags); err != nil {
			return Statement{}, fmt.Errorf("decode statement %s tags: %w", rec.ID, err)
		}
	}
	return st, nil
}

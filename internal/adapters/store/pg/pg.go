// Package pg is a DocumentStore on a single postgres table. Watches poll.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type documentRow struct {
	Collection string    `gorm:"primaryKey;size:512"`
	ID         string    `gorm:"primaryKey;size:128"`
	Data       []byte    `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

func (r documentRow) document() core.Document {
	return core.Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       r.Data,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type Store struct {
	db   *gorm.DB
	poll time.Duration
}

// Open connects and migrates the documents table.
func Open(dsn string, poll time.Duration) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("module", "store.pg").Dur("poll", poll).Msg("database connected")
	return New(db, poll), nil
}

func New(db *gorm.DB, poll time.Duration) *Store {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Store{db: db, poll: poll}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return core.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
}

func upsert(tx *gorm.DB, ref core.Ref, data []byte) error {
	row := documentRow{Collection: ref.Collection, ID: ref.ID, Data: data}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) Set(ctx context.Context, ref core.Ref, data []byte) error {
	return mapErr(upsert(s.db.WithContext(ctx), ref, data))
}

func (s *Store) Add(ctx context.Context, collection string, data []byte) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, core.Ref{Collection: collection, ID: id}, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, ref core.Ref) (core.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", ref.Collection, ref.ID).
		First(&row).Error
	if err != nil {
		return core.Document{}, mapErr(err)
	}
	return row.document(), nil
}

// scope compiles the equality filters. Field names are validated by
// store.ValidateQuery before they get here and values are bound parameters.
func scope(q core.Query) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("collection = ?", q.Collection)
		for _, f := range q.Where {
			tx = tx.Where("data ->> CAST(? AS text) = ?", f.Field, f.Value)
		}
		return tx
	}
}

func (s *Store) List(ctx context.Context, q core.Query) ([]core.Document, error) {
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	var rows []documentRow
	if err := s.db.WithContext(ctx).Scopes(scope(q)).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	docs := make([]core.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.document())
	}
	// jsonb ordering depends on value types; keep one ordering rule for all backends.
	store.SortDocs(q, docs)
	return docs, nil
}

func (s *Store) Delete(ctx context.Context, ref core.Ref) error {
	return mapErr(s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", ref.Collection, ref.ID).
		Delete(&documentRow{}).Error)
}

func (s *Store) Commit(ctx context.Context, ops []core.Op) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			switch op.Kind {
			case core.OpSet:
				if err := upsert(tx, op.Ref, op.Data); err != nil {
					return err
				}
			case core.OpDelete:
				err := tx.Where("collection = ? AND id = ?", op.Ref.Collection, op.Ref.ID).
					Delete(&documentRow{}).Error
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return mapErr(err)
}

func (s *Store) Watch(ctx context.Context, q core.Query) (core.Subscription, error) {
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	return store.NewFeed(ctx, func(ctx context.Context) ([]core.Document, error) {
		return s.List(ctx, q)
	}, store.WithPollInterval(s.poll)), nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

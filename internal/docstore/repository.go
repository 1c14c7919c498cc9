// Package docstore is the server side of the remote chat store: a gorm-backed
// repository of chat documents exposed over REST and as MCP tools.
package docstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ai-chatsync/internal/chat"
)

var ErrNotFound = errors.New("document not found")

// Document is one chat record stored as JSON under (owner_id, chat_id).
// Version mirrors the record's UpdatedAt in unix nanoseconds.
type Document struct {
	OwnerID string `gorm:"primaryKey;size:128"`
	ChatID  string `gorm:"primaryKey;size:128"`
	Title   string
	Version int64  `gorm:"not null;index"`
	Body    string `gorm:"type:text;not null"`
}

func (Document) TableName() string { return "chat_documents" }

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "ensure db dir")
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "db handle")
	}
	// sqlite allows one writer at a time
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, errors.Wrap(err, "migrate documents")
	}
	return &Repository{db: db}, nil
}

func (r *Repository) List(ctx context.Context, ownerID string) ([]chat.Record, error) {
	var docs []Document
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("version DESC").
		Find(&docs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list documents")
	}
	out := make([]chat.Record, 0, len(docs))
	for _, d := range docs {
		rec, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, ownerID, chatID string) (chat.Record, error) {
	var d Document
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND chat_id = ?", ownerID, chatID).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Record{}, ErrNotFound
	}
	if err != nil {
		return chat.Record{}, errors.Wrap(err, "get document")
	}
	return decode(d)
}

// Upsert stores rec unless the stored copy is strictly newer. It reports
// whether the write was applied.
func (r *Repository) Upsert(ctx context.Context, rec chat.Record) (bool, error) {
	if rec.OwnerID == "" || rec.ID == "" {
		return false, chat.Invalid("record needs owner and id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "encode record")
	}
	doc := Document{
		OwnerID: rec.OwnerID,
		ChatID:  rec.ID,
		Title:   rec.Title,
		Version: rec.Version().UnixNano(),
		Body:    string(body),
	}
	stored := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Document
		err := tx.Where("owner_id = ? AND chat_id = ?", doc.OwnerID, doc.ChatID).First(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case cur.Version > doc.Version:
			return nil
		}
		stored = true
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&doc).Error
	})
	if err != nil {
		return false, errors.Wrap(err, "upsert document")
	}
	return stored, nil
}

func (r *Repository) Delete(ctx context.Context, ownerID, chatID string) error {
	res := r.db.WithContext(ctx).
		Where("owner_id = ? AND chat_id = ?", ownerID, chatID).
		Delete(&Document{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete document")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func decode(d Document) (chat.Record, error) {
	var rec chat.Record
	if err := json.Unmarshal([]byte(d.Body), &rec); err != nil {
		return chat.Record{}, errors.Wrapf(err, "decode document %s/%s", d.OwnerID, d.ChatID)
	}
	rec.OwnerID = d.OwnerID
	rec.ID = d.ChatID
	return rec, nil
}

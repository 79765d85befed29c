package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the record or metadata row does not exist.
	ErrNotFound = errors.New("content: record not found")
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("content: duplicate record")
	// ErrMissingDatabase indicates the store was built without a database handle.
	ErrMissingDatabase = errors.New("content: database handle is required")
)

const (
	columnID       = "id"
	columnRecordID = "record_id"
	columnMetaKey  = "meta_key"
	columnMetaVal  = "meta_value"
	queryRecordKey = columnRecordID + " = ? AND " + columnMetaKey + " = ?"
)

// Store is the gorm-backed generic content-record store.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the provided database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db}, nil
}

// Transaction runs fn inside a database transaction. The store handed to fn is bound to it.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where(columnID+" = ?", id).Take(&record).Error
	return record, translate(err)
}

// GetForUpdate loads a record and takes a row lock where the driver supports one.
func (s *Store) GetForUpdate(ctx context.Context, id string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(columnID+" = ?", id).
		Take(&record).Error
	return record, translate(err)
}

// Find returns the records matching the query.
func (s *Store) Find(ctx context.Context, query Query) ([]Record, error) {
	statement := s.db.WithContext(ctx).Model(&Record{})
	if query.Kind != "" {
		statement = statement.Where("kind = ?", query.Kind)
	}
	if len(query.Statuses) > 0 {
		statement = statement.Where("status IN ?", query.Statuses)
	}
	if query.ParentID != nil {
		statement = statement.Where("parent_id = ?", *query.ParentID)
	}
	if len(query.ParentIn) > 0 {
		statement = statement.Where("parent_id IN ?", query.ParentIn)
	}
	if query.OwnerID != "" {
		statement = statement.Where("owner_id = ?", query.OwnerID)
	}
	if query.Name != "" {
		statement = statement.Where("name = ?", query.Name)
	}
	for key, value := range query.Meta {
		statement = statement.Where(
			columnID+" IN (?)",
			s.db.Model(&Meta{}).Select(columnRecordID).Where(columnMetaKey+" = ? AND "+columnMetaVal+" = ?", key, value),
		)
	}
	if query.Order != "" {
		statement = statement.Order(query.Order)
	}
	if query.Offset > 0 {
		statement = statement.Offset(query.Offset)
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var records []Record
	if err := statement.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Create inserts a new record.
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("content: nil record")
	}
	return translate(s.db.WithContext(ctx).Create(record).Error)
}

// Update writes the named columns of a record and reports ErrNotFound when no row matched.
func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Record{}).Where(columnID+" = ?", id).Updates(fields)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the records and every metadata row scoped to them.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	db := s.db.WithContext(ctx)
	if err := db.Where(columnRecordID+" IN ?", ids).Delete(&Meta{}).Error; err != nil {
		return err
	}
	return db.Where(columnID+" IN ?", ids).Delete(&Record{}).Error
}

// GetMeta reads one metadata value. The boolean reports whether the key exists.
func (s *Store) GetMeta(ctx context.Context, recordID, key string) (string, bool, error) {
	var meta Meta
	err := s.db.WithContext(ctx).Where(queryRecordKey, recordID, key).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return meta.Value, true, nil
}

// SetMeta upserts a metadata value in a single statement.
func (s *Store) SetMeta(ctx context.Context, recordID, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnRecordID}, {Name: columnMetaKey}},
		DoUpdates: clause.AssignmentColumns([]string{columnMetaVal}),
	}).Create(&Meta{RecordID: recordID, Key: key, Value: value}).Error
}

// DeleteMeta removes a metadata key. Missing keys are not an error.
func (s *Store) DeleteMeta(ctx context.Context, recordID, key string) error {
	return s.db.WithContext(ctx).Where(queryRecordKey, recordID, key).Delete(&Meta{}).Error
}

// CompareAndSwapMeta replaces a metadata value only when it still equals expected.
// A nil expected value means the key must not exist yet.
func (s *Store) CompareAndSwapMeta(ctx context.Context, recordID, key string, expected *string, next string) (bool, error) {
	db := s.db.WithContext(ctx)
	if expected == nil {
		result := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Meta{RecordID: recordID, Key: key, Value: next})
		if result.Error != nil {
			return false, result.Error
		}
		return result.RowsAffected == 1, nil
	}
	result := db.Model(&Meta{}).
		Where(queryRecordKey+" AND "+columnMetaVal+" = ?", recordID, key, *expected).
		Update(columnMetaVal, next)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CompareAndDeleteMeta removes a metadata key only when it still equals expected.
func (s *Store) CompareAndDeleteMeta(ctx context.Context, recordID, key, expected string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where(queryRecordKey+" AND "+columnMetaVal+" = ?", recordID, key, expected).
		Delete(&Meta{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindMeta lists every metadata row stored under key.
func (s *Store) FindMeta(ctx context.Context, key string) ([]Meta, error) {
	var rows []Meta
	if err := s.db.WithContext(ctx).Where(columnMetaKey+" = ?", key).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value")
}

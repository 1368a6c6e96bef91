package migration

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	stateSchemaVersion  = "schema_version"
	stateSchemaChecksum = "schema_checksum"
	stateLegacyImport   = "legacy_import"
)

type bufferState struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (bufferState) TableName() string { return "buffer_state" }

func readState(db *gorm.DB, key string) (string, bool, error) {
	var row bufferState
	err := db.Where("`key` = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read buffer state %s: %w", key, err)
	}
	return row.Value, true, nil
}

func writeState(db *gorm.DB, key, value string, now time.Time) error {
	row := bufferState{Key: key, Value: value, UpdatedAt: now}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write buffer state %s: %w", key, err)
	}
	return nil
}

// RecordSchemaState stamps the applied schema fingerprint into buffer_state.
func RecordSchemaState(db *gorm.DB, now time.Time) error {
	version, checksum, err := SchemaFingerprint()
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := writeState(tx, stateSchemaVersion, strconv.FormatUint(uint64(version), 10), now); err != nil {
			return err
		}
		return writeState(tx, stateSchemaChecksum, checksum, now)
	})
}

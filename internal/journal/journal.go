package journal

import (
	"database/sql"
	"errors"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// ErrUntrackedOperation indicates an append for a content type that was never
// registered.
var ErrUntrackedOperation = errors.New("journal: operation on untracked content type")

// Append records one operation at the end of the journal. It must run on the
// same transaction as the mutation it describes so both commit or roll back
// together.
func Append(db *gorm.DB, kind OpKind, ref track.Ref) error {
	op := Operation{Kind: kind, TypeID: ref.Type, RowPK: ref.PK}
	return db.Create(&op).Error
}

// Unversioned returns the local operations not yet accepted by a push, in
// append order.
func Unversioned(db *gorm.DB) ([]Operation, error) {
	var ops []Operation
	err := db.Where("version_id IS NULL").Order("op_order").Find(&ops).Error
	return ops, err
}

// Since returns all versioned operations with a version greater than the
// given one, in append order.
func Since(db *gorm.DB, versionID int64) ([]Operation, error) {
	var ops []Operation
	err := db.Where("version_id IS NOT NULL AND version_id > ?", versionID).
		Order("op_order").Find(&ops).Error
	return ops, err
}

// Delete removes the given journal entries.
func Delete(db *gorm.DB, ops []Operation) error {
	for _, op := range ops {
		if err := db.Where("op_order = ?", op.Order).Delete(&Operation{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// LatestVersionID returns the highest version in the local ledger, or zero
// when no version was recorded yet.
func LatestVersionID(db *gorm.DB) (int64, error) {
	var latest sql.NullInt64
	err := db.Model(&Version{}).Select("MAX(version_id)").Scan(&latest).Error
	if err != nil {
		return 0, err
	}
	if !latest.Valid {
		return 0, nil
	}
	return latest.Int64, nil
}

// RecordVersion inserts a ledger entry with an explicit identifier, as
// happens on the client after a merge or an accepted push.
func RecordVersion(db *gorm.DB, versionID int64, createdAtSeconds int64, nodeID *int64) error {
	version := Version{ID: versionID, CreatedAtSeconds: createdAtSeconds, NodeID: nodeID}
	return db.Create(&version).Error
}

// Trim frees space by dropping versioned operations and all ledger entries
// below the given floor. The latest version row is always kept so divergence
// checks keep working.
func Trim(db *gorm.DB, keepVersionID int64) error {
	if err := db.Where("version_id IS NOT NULL AND version_id < ?", keepVersionID).
		Delete(&Operation{}).Error; err != nil {
		return err
	}
	return db.Where("version_id < ?", keepVersionID).Delete(&Version{}).Error
}

package track

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrRowNotFound indicates the requested tracked row is absent from the store.
var ErrRowNotFound = errors.New("track: row not found")

// Row is a snapshot of all declared columns of a tracked row. Values are held
// in their normalized in-memory form: int64, string, float64, bool, []byte or
// nil, with timestamps as RFC3339 strings.
type Row map[string]any

// PK extracts the primary-key value from a row of the given type.
func (ct ContentType) PK(row Row) (int64, error) {
	value, ok := row[ct.PKColumn]
	if !ok {
		return 0, fmt.Errorf("%w: row for %q misses pk column %q", ErrInvalidContentType, ct.ID, ct.PKColumn)
	}
	pk, ok := coerceInt(value)
	if !ok {
		return 0, fmt.Errorf("%w: pk of %q is not an integer: %v", ErrInvalidContentType, ct.ID, value)
	}
	return pk, nil
}

// FetchRow reads a tracked row by primary key and normalizes it.
func FetchRow(db *gorm.DB, ct ContentType, pk int64) (Row, error) {
	raw := map[string]any{}
	err := db.Table(ct.Table).Where(ct.PKColumn+" = ?", pk).Take(&raw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", ErrRowNotFound, ct.ID, pk)
	}
	if err != nil {
		return nil, err
	}
	return NormalizeRow(ct, raw), nil
}

// RowExists reports whether the row with the given primary key is present.
func RowExists(db *gorm.DB, ct ContentType, pk int64) (bool, error) {
	var count int64
	err := db.Table(ct.Table).Where(ct.PKColumn+" = ?", pk).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertRow writes a new tracked row from its normalized snapshot.
func InsertRow(db *gorm.DB, ct ContentType, row Row) error {
	values := storableValues(ct, row)
	return db.Table(ct.Table).Create(&values).Error
}

// UpdateRow rewrites the non-key columns of an existing tracked row.
func UpdateRow(db *gorm.DB, ct ContentType, row Row) error {
	pk, err := ct.PK(row)
	if err != nil {
		return err
	}
	values := storableValues(ct, row)
	delete(values, ct.PKColumn)
	if len(values) == 0 {
		return nil
	}
	return db.Table(ct.Table).Where(ct.PKColumn+" = ?", pk).Updates(values).Error
}

// SaveRow inserts the row, or updates it when the primary key already exists.
func SaveRow(db *gorm.DB, ct ContentType, row Row) error {
	pk, err := ct.PK(row)
	if err != nil {
		return err
	}
	exists, err := RowExists(db, ct, pk)
	if err != nil {
		return err
	}
	if exists {
		return UpdateRow(db, ct, row)
	}
	return InsertRow(db, ct, row)
}

// DeleteRow removes a tracked row by primary key. Missing rows are ignored.
func DeleteRow(db *gorm.DB, ct ContentType, pk int64) error {
	return db.Exec("DELETE FROM "+ct.Table+" WHERE "+ct.PKColumn+" = ?", pk).Error
}

// MaxPK returns the highest primary key currently present, or zero for an
// empty table.
func MaxPK(db *gorm.DB, ct ContentType) (int64, error) {
	var max sql.NullInt64
	err := db.Table(ct.Table).Select("MAX(" + ct.PKColumn + ")").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// FindRowByValues looks up a row matching the given column/value pairs.
func FindRowByValues(db *gorm.DB, ct ContentType, columns []string, values []any) (Row, bool, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return nil, false, fmt.Errorf("%w: column/value mismatch on %q", ErrInvalidContentType, ct.ID)
	}
	query := db.Table(ct.Table)
	for i, name := range columns {
		if _, ok := ct.Column(name); !ok {
			return nil, false, fmt.Errorf("%w: column %q is not declared for %q", ErrInvalidContentType, name, ct.ID)
		}
		query = query.Where(name+" = ?", values[i])
	}
	raw := map[string]any{}
	err := query.Take(&raw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return NormalizeRow(ct, raw), true, nil
}

// ListRows returns all rows of a tracked table, normalized, for snapshots and
// remote queries.
func ListRows(db *gorm.DB, ct ContentType) ([]Row, error) {
	var raws []map[string]any
	if err := db.Table(ct.Table).Order(ct.PKColumn).Find(&raws).Error; err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, NormalizeRow(ct, raw))
	}
	return rows, nil
}

// NormalizeRow projects a scanned map onto the declared columns and coerces
// every value to its normalized in-memory form.
func NormalizeRow(ct ContentType, raw map[string]any) Row {
	row := make(Row, len(ct.Columns))
	for _, col := range ct.Columns {
		value, ok := raw[col.Name]
		if !ok {
			continue
		}
		row[col.Name] = normalizeValue(col.Kind, value)
	}
	return row
}

func normalizeValue(kind ColumnKind, value any) any {
	if value == nil {
		return nil
	}
	switch kind {
	case KindInteger:
		if n, ok := coerceInt(value); ok {
			return n
		}
	case KindReal:
		switch v := value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v
		case int64:
			return v != 0
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n != 0
			}
		}
	case KindText:
		switch v := value.(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
	case KindBlob:
		switch v := value.(type) {
		case []byte:
			return v
		case string:
			return []byte(v)
		}
	case KindTime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano)
		case string:
			return v
		}
	}
	return value
}

// storableValues prepares a row for gorm's map-based writes.
func storableValues(ct ContentType, row Row) map[string]any {
	values := make(map[string]any, len(row))
	for _, col := range ct.Columns {
		if value, ok := row[col.Name]; ok {
			values[col.Name] = value
		}
	}
	return values
}

func coerceInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

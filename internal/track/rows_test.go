package track

import (
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type rowPerson struct {
	ID    int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name  string `gorm:"column:name"`
	Email string `gorm:"column:email"`
}

func (rowPerson) TableName() string { return "people" }

func openRowsDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(memoryDSN("track")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&rowPerson{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func rowsPersonType() ContentType {
	return ContentType{
		ID:       "person",
		Table:    "people",
		PKColumn: "id",
		Columns: []Column{
			{Name: "id", Kind: KindInteger},
			{Name: "name", Kind: KindText},
			{Name: "email", Kind: KindText},
		},
	}
}

func TestRowRoundTrip(t *testing.T) {
	db := openRowsDB(t)
	ct := rowsPersonType()

	row := Row{"id": int64(7), "name": "ada", "email": "ada@x"}
	if err := InsertRow(db, ct, row); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	fetched, err := FetchRow(db, ct, 7)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched["name"] != "ada" || fetched["id"] != int64(7) {
		t.Fatalf("unexpected row: %#v", fetched)
	}

	row["name"] = "ada l."
	if err := UpdateRow(db, ct, row); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	fetched, err = FetchRow(db, ct, 7)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched["name"] != "ada l." {
		t.Fatalf("update not applied: %#v", fetched)
	}

	if err := DeleteRow(db, ct, 7); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := FetchRow(db, ct, 7); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected row not found, got: %v", err)
	}
	if err := DeleteRow(db, ct, 7); err != nil {
		t.Fatalf("deleting a missing row should be a no-op: %v", err)
	}
}

func TestSaveRowUpserts(t *testing.T) {
	db := openRowsDB(t)
	ct := rowsPersonType()

	if err := SaveRow(db, ct, Row{"id": int64(1), "name": "first", "email": "a@x"}); err != nil {
		t.Fatalf("save insert failed: %v", err)
	}
	if err := SaveRow(db, ct, Row{"id": int64(1), "name": "second", "email": "a@x"}); err != nil {
		t.Fatalf("save update failed: %v", err)
	}
	fetched, err := FetchRow(db, ct, 1)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched["name"] != "second" {
		t.Fatalf("expected upsert to rewrite the row: %#v", fetched)
	}
}

func TestMaxPK(t *testing.T) {
	db := openRowsDB(t)
	ct := rowsPersonType()

	maxPK, err := MaxPK(db, ct)
	if err != nil {
		t.Fatalf("max pk failed: %v", err)
	}
	if maxPK != 0 {
		t.Fatalf("empty table should report zero, got %d", maxPK)
	}

	for _, pk := range []int64{3, 9, 5} {
		if err := InsertRow(db, ct, Row{"id": pk, "name": "n", "email": ""}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	maxPK, err = MaxPK(db, ct)
	if err != nil {
		t.Fatalf("max pk failed: %v", err)
	}
	if maxPK != 9 {
		t.Fatalf("expected 9, got %d", maxPK)
	}
}

func TestFindRowByValues(t *testing.T) {
	db := openRowsDB(t)
	ct := rowsPersonType()

	if err := InsertRow(db, ct, Row{"id": int64(1), "name": "x", "email": "x@x"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	row, found, err := FindRowByValues(db, ct, []string{"email"}, []any{"x@x"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if !found || row["id"] != int64(1) {
		t.Fatalf("expected to find row 1, got found=%v row=%#v", found, row)
	}

	_, found, err = FindRowByValues(db, ct, []string{"email"}, []any{"missing"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found {
		t.Fatalf("expected no match")
	}

	if _, _, err := FindRowByValues(db, ct, []string{"height"}, []any{1}); err == nil {
		t.Fatalf("expected error for undeclared column")
	}
}

func TestNormalizeRowCoercions(t *testing.T) {
	ct := ContentType{
		ID:       "sample",
		Table:    "samples",
		PKColumn: "id",
		Columns: []Column{
			{Name: "id", Kind: KindInteger},
			{Name: "ratio", Kind: KindReal},
			{Name: "active", Kind: KindBool},
			{Name: "blob", Kind: KindBlob},
		},
	}
	row := NormalizeRow(ct, map[string]any{
		"id":     float64(4),
		"ratio":  int64(2),
		"active": int64(1),
		"blob":   "raw",
		"junk":   "dropped",
	})
	if row["id"] != int64(4) {
		t.Fatalf("integer coercion failed: %#v", row["id"])
	}
	if row["ratio"] != float64(2) {
		t.Fatalf("real coercion failed: %#v", row["ratio"])
	}
	if row["active"] != true {
		t.Fatalf("bool coercion failed: %#v", row["active"])
	}
	if string(row["blob"].([]byte)) != "raw" {
		t.Fatalf("blob coercion failed: %#v", row["blob"])
	}
	if _, ok := row["junk"]; ok {
		t.Fatalf("undeclared columns must be dropped")
	}
}

package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

type dbItem struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name"`
}

func (dbItem) TableName() string { return "items" }

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestCreateAllIsIdempotent(t *testing.T) {
	registry := track.NewRegistry()
	err := registry.Register(track.ContentType{
		ID:       "item",
		Table:    "items",
		PKColumn: "id",
		Columns: []track.Column{
			{Name: "id", Kind: track.KindInteger},
			{Name: "name", Kind: track.KindText},
		},
		Model: &dbItem{},
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	tracker, err := journal.NewTracker(registry, nil)
	if err != nil {
		t.Fatalf("unexpected tracker error: %v", err)
	}

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "estuary.db"), nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := CreateAll(db, registry, tracker, nil); err != nil {
		t.Fatalf("create_all failed: %v", err)
	}

	if err := db.Create(&dbItem{Name: "kept"}).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := CreateAll(db, registry, tracker, nil); err != nil {
			t.Fatalf("repeated create_all failed: %v", err)
		}
	}

	var count int64
	if err := db.Model(&dbItem{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("create_all must leave data untouched, got %d rows", count)
	}
	ops, err := journal.Unversioned(db)
	if err != nil {
		t.Fatalf("journal read failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("tracked insert must be journalled exactly once, got %+v", ops)
	}
}

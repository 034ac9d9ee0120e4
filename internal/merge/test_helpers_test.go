package merge

import (
	"context"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

type mCity struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name"`
}

func (mCity) TableName() string { return "cities" }

type mPerson struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name   string `gorm:"column:name"`
	Email  string `gorm:"column:email;uniqueIndex"`
	CityID *int64 `gorm:"column:city_id"`
}

func (mPerson) TableName() string { return "people" }

type mergeEnv struct {
	db       *gorm.DB
	registry *track.Registry
	tracker  *journal.Tracker
	engine   *Engine
}

func newMergeEnv(t *testing.T, strategy Strategy) *mergeEnv {
	t.Helper()
	registry := track.NewRegistry()
	mustRegister(t, registry, track.ContentType{
		ID:       "city",
		Table:    "cities",
		PKColumn: "id",
		Columns: []track.Column{
			{Name: "id", Kind: track.KindInteger},
			{Name: "name", Kind: track.KindText},
		},
	})
	mustRegister(t, registry, track.ContentType{
		ID:       "person",
		Table:    "people",
		PKColumn: "id",
		Columns: []track.Column{
			{Name: "id", Kind: track.KindInteger},
			{Name: "name", Kind: track.KindText},
			{Name: "email", Kind: track.KindText},
			{Name: "city_id", Kind: track.KindInteger},
		},
		ForeignKeys: []track.ForeignKey{{Column: "city_id", RefType: "city"}},
		Uniques:     [][]string{{"email"}},
	})

	db, err := gorm.Open(sqlite.Open(memoryDSN("merge")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&journal.Operation{}, &journal.Version{}, &journal.Node{}, &mCity{}, &mPerson{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	tracker, err := journal.NewTracker(registry, nil)
	if err != nil {
		t.Fatalf("unexpected tracker error: %v", err)
	}
	if err := tracker.Install(db); err != nil {
		t.Fatalf("failed to install tracker: %v", err)
	}

	engine, err := NewEngine(EngineConfig{
		Registry: registry,
		Tracker:  tracker,
		Strategy: strategy,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return &mergeEnv{db: db, registry: registry, tracker: tracker, engine: engine}
}

func mustRegister(t *testing.T, registry *track.Registry, ct track.ContentType) {
	t.Helper()
	if err := registry.Register(ct); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
}

// seed writes baseline rows without journalling, as if they arrived from an
// earlier synchronization.
func (env *mergeEnv) seed(t *testing.T, models ...any) {
	t.Helper()
	resume := env.tracker.Pause()
	defer resume()
	for _, model := range models {
		if err := env.db.Create(model).Error; err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func (env *mergeEnv) merge(t *testing.T, msg *message.PullMessage) error {
	t.Helper()
	return env.engine.Merge(context.Background(), env.db, msg)
}

func (env *mergeEnv) mustMerge(t *testing.T, msg *message.PullMessage) {
	t.Helper()
	if err := env.merge(t, msg); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
}

func (env *mergeEnv) unversioned(t *testing.T) []journal.Operation {
	t.Helper()
	ops, err := journal.Unversioned(env.db)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	return ops
}

func (env *mergeEnv) lastVersion(t *testing.T) int64 {
	t.Helper()
	latest, err := journal.LatestVersionID(env.db)
	if err != nil {
		t.Fatalf("failed to read version ledger: %v", err)
	}
	return latest
}

func wireOp(order int64, kind string, typeID string, pk int64, version int64) message.WireOperation {
	v := version
	return message.WireOperation{Order: order, Kind: kind, Type: typeID, PK: pk, Version: &v}
}

func pullMsg(latest int64, ops []message.WireOperation, payloads message.PayloadMap) *message.PullMessage {
	if payloads == nil {
		payloads = message.NewPayloadMap()
	}
	return &message.PullMessage{
		LatestVersion:    latest,
		Operations:       ops,
		Payloads:         payloads,
		CreatedAtSeconds: 1700000000,
	}
}

func personRow(pk int64, name, email string, cityID any) track.Row {
	row := track.Row{"id": pk, "name": name, "email": email}
	switch v := cityID.(type) {
	case int64:
		row["city_id"] = v
	case nil:
		row["city_id"] = nil
	}
	return row
}

func cityRow(pk int64, name string) track.Row {
	return track.Row{"id": pk, "name": name}
}

func ref(typeID string, pk int64) track.Ref {
	return track.Ref{Type: typeID, PK: pk}
}

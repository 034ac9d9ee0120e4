package journal

import (
	"errors"
	"reflect"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

var errMissingRegistry = errors.New("journal: registry is required")

// Tracker captures DML against tracked tables into the operations journal.
// It is the thin adapter between the store's mutation callbacks and the
// journal: every insert, update or delete of a registered model appends one
// operation on the same transaction as the mutation.
type Tracker struct {
	registry   *track.Registry
	logger     *zap.Logger
	clock      func() time.Time
	serverMode bool
	paused     atomic.Int32
	installed  atomic.Bool
}

// NewTracker builds a tracker over the given registry. Captured operations
// stay unversioned until a push is accepted.
func NewTracker(registry *track.Registry, logger *zap.Logger) (*Tracker, error) {
	if registry == nil {
		return nil, errMissingRegistry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{registry: registry, logger: logger, clock: time.Now}, nil
}

// NewServerTracker builds the server-side variant: every captured operation
// is assigned a fresh version on the spot, so direct writes against the
// server database flow into pulls like pushed ones. The server journal is
// entirely versioned.
func NewServerTracker(registry *track.Registry, logger *zap.Logger) (*Tracker, error) {
	tracker, err := NewTracker(registry, logger)
	if err != nil {
		return nil, err
	}
	tracker.serverMode = true
	return tracker, nil
}

// Install registers the capture callbacks on the gorm instance. It is called
// once per database handle, before any tracked mutation.
func (t *Tracker) Install(db *gorm.DB) error {
	if !t.installed.CompareAndSwap(false, true) {
		return nil
	}
	if err := db.Callback().Create().After("gorm:create").
		Register("estuary:journal_insert", t.makeRecorder(OpInsert)); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").
		Register("estuary:journal_update", t.makeRecorder(OpUpdate)); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").
		Register("estuary:journal_delete", t.makeRecorder(OpDelete))
}

// Pause suspends capture until the returned function is called. Pauses nest.
// The merge and repair procedures pause capture while they replay remote
// state, as do the server push handlers.
func (t *Tracker) Pause() func() {
	t.paused.Add(1)
	return func() { t.paused.Add(-1) }
}

// Listening reports whether mutations are currently being captured.
func (t *Tracker) Listening() bool {
	return t.paused.Load() == 0
}

func (t *Tracker) makeRecorder(kind OpKind) func(*gorm.DB) {
	return func(db *gorm.DB) {
		t.record(db, kind)
	}
}

func (t *Tracker) record(db *gorm.DB, kind OpKind) {
	if db.Error != nil || db.Statement == nil || !t.Listening() {
		return
	}
	ct, ok := t.registry.ByTable(db.Statement.Table)
	if !ok {
		return
	}
	pks, ok := t.statementPrimaryKeys(db, ct)
	if !ok {
		t.logger.Error("tracked mutation without a readable primary key",
			zap.String("table", db.Statement.Table),
			zap.String("kind", string(kind)))
		return
	}
	for _, pk := range pks {
		session := db.Session(&gorm.Session{NewDB: true, SkipHooks: true})
		ref := track.Ref{Type: ct.ID, PK: pk}
		if t.serverMode {
			version := Version{CreatedAtSeconds: t.clock().UTC().Unix()}
			if err := session.Create(&version).Error; err != nil {
				db.AddError(err)
				return
			}
			op := Operation{Kind: kind, TypeID: ref.Type, RowPK: ref.PK, VersionID: &version.ID}
			if err := session.Create(&op).Error; err != nil {
				db.AddError(err)
				return
			}
			continue
		}
		if err := Append(session, kind, ref); err != nil {
			db.AddError(err)
			return
		}
	}
}

// statementPrimaryKeys extracts the affected primary keys from the statement
// destination. Struct, slice-of-struct and map destinations are supported.
func (t *Tracker) statementPrimaryKeys(db *gorm.DB, ct track.ContentType) ([]int64, bool) {
	stmt := db.Statement
	if stmt.Schema != nil && stmt.Schema.PrioritizedPrimaryField != nil {
		field := stmt.Schema.PrioritizedPrimaryField
		switch stmt.ReflectValue.Kind() {
		case reflect.Slice, reflect.Array:
			pks := make([]int64, 0, stmt.ReflectValue.Len())
			for i := 0; i < stmt.ReflectValue.Len(); i++ {
				value, zero := field.ValueOf(stmt.Context, stmt.ReflectValue.Index(i))
				if zero {
					return nil, false
				}
				pk, ok := coerceInt(value)
				if !ok {
					return nil, false
				}
				pks = append(pks, pk)
			}
			return pks, len(pks) > 0
		case reflect.Struct:
			value, zero := field.ValueOf(stmt.Context, stmt.ReflectValue)
			if zero {
				return nil, false
			}
			pk, ok := coerceInt(value)
			if !ok {
				return nil, false
			}
			return []int64{pk}, true
		}
	}
	var values map[string]any
	switch dest := stmt.Dest.(type) {
	case map[string]any:
		values = dest
	case *map[string]any:
		values = *dest
	}
	if raw, present := values[ct.PKColumn]; present {
		if pk, ok := coerceInt(raw); ok {
			return []int64{pk}, true
		}
	}
	return nil, false
}

func coerceInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

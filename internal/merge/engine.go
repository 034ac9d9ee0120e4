package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

var (
	errMissingRegistry = errors.New("merge: registry is required")
	errMissingTracker  = errors.New("merge: tracker is required")
)

// EngineConfig assembles a merge engine.
type EngineConfig struct {
	Registry *track.Registry
	Tracker  *journal.Tracker
	Strategy Strategy
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine consumes pull messages on the client: compress, detect identity
// conflicts, apply remote operations under the resolution policy, resolve
// unique-constraint swaps and advance the local version.
type Engine struct {
	registry *track.Registry
	tracker  *journal.Tracker
	strategy Strategy
	clock    func() time.Time
	logger   *zap.Logger
}

// NewEngine validates the configuration and builds an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = LocalWinsStrategy{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		strategy: strategy,
		clock:    clock,
		logger:   logger,
	}, nil
}

// remotePlan accumulates the resolution decisions for one remote operation.
type remotePlan struct {
	skip            bool
	reassign        bool
	dropLocals      []journal.Operation
	reinsertParents []track.Ref
}

// Merge applies a pull message to the local database. The whole merge runs in
// one transaction with capture paused; any fatal error rolls everything back,
// leaving the journal and the version ledger untouched.
func (e *Engine) Merge(ctx context.Context, db *gorm.DB, msg *message.PullMessage) error {
	resume := e.tracker.Pause()
	defer resume()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.merge(tx, msg)
	})
}

func (e *Engine) merge(tx *gorm.DB, msg *message.PullMessage) error {
	localOps, _, err := journal.Compact(tx, e.registry, e.logger)
	if err != nil {
		return err
	}

	remoteOps := make([]journal.Operation, 0, len(msg.Operations))
	for _, wireOp := range msg.Operations {
		op, err := wireOp.Operation()
		if err != nil {
			return err
		}
		if _, ok := e.registry.ByID(op.TypeID); !ok {
			return fmt.Errorf("%w: %s", track.ErrUnknownContentType, op.TypeID)
		}
		remoteOps = append(remoteOps, op)
	}
	remoteOps = journal.CompressRemote(remoteOps)

	plans, err := e.resolveConflicts(tx, remoteOps, localOps, msg)
	if err != nil {
		return err
	}

	applied := e.appliedOperations(remoteOps, plans)
	steps, unsolvable, err := scanUnique(tx, e.registry, applied, msg.Payloads)
	if err != nil {
		return err
	}
	if len(unsolvable) > 0 {
		return &UniqueConstraintError{Entries: unsolvable}
	}
	components := swapComponents(steps)
	swapRefs := make(map[track.Ref]bool)
	for _, component := range components {
		for _, ref := range component {
			swapRefs[ref] = true
		}
	}

	var droppedLocals []journal.Operation
	for _, op := range remoteOps {
		plan := plans[op.Order]
		if plan != nil {
			droppedLocals = append(droppedLocals, plan.dropLocals...)
			for _, parentRef := range plan.reinsertParents {
				if err := e.reinsertFromMessage(tx, parentRef, msg.Payloads); err != nil {
					return err
				}
			}
			if plan.skip {
				continue
			}
		}
		ct, _ := e.registry.ByID(op.TypeID)
		switch op.Kind {
		case journal.OpDelete:
			if err := track.DeleteRow(tx, ct, op.RowPK); err != nil {
				return err
			}
		default:
			if swapRefs[op.Ref()] {
				continue
			}
			row, ok := msg.Payloads.Get(op.Ref())
			if !ok {
				return &FetchError{Ref: op.Ref(), Container: ContainerMessage}
			}
			if plan != nil && plan.reassign {
				if err := e.insertReassigned(tx, ct, row); err != nil {
					return err
				}
				continue
			}
			if err := track.SaveRow(tx, ct, row); err != nil {
				return err
			}
		}
	}

	if err := e.applySwapComponents(tx, components, msg.Payloads); err != nil {
		return err
	}
	if err := journal.Delete(tx, droppedLocals); err != nil {
		return err
	}

	current, err := journal.LatestVersionID(tx)
	if err != nil {
		return err
	}
	if msg.LatestVersion > current {
		if err := journal.RecordVersion(tx, msg.LatestVersion, e.clock().UTC().Unix(), nil); err != nil {
			return err
		}
	}
	return nil
}

// resolveConflicts runs the four detectors and folds the fixed policy into a
// per-remote-operation plan.
func (e *Engine) resolveConflicts(tx *gorm.DB, remoteOps, localOps []journal.Operation, msg *message.PullMessage) (map[int64]*remotePlan, error) {
	d := &detector{db: tx, registry: e.registry, payloads: msg.Payloads}
	plans := make(map[int64]*remotePlan)
	plan := func(order int64) *remotePlan {
		if plans[order] == nil {
			plans[order] = &remotePlan{}
		}
		return plans[order]
	}

	for _, conflict := range d.direct(remoteOps, localOps) {
		p := plan(conflict.remote.Order)
		switch {
		case conflict.remote.Kind == journal.OpDelete && conflict.local.Kind == journal.OpDelete:
			// both sides already deleted the row
			p.skip = true
			p.dropLocals = append(p.dropLocals, conflict.local)
		case conflict.remote.Kind == journal.OpDelete:
			// the local update proves the row is still needed: nullify the
			// remote delete, the next push re-publishes the row
			p.skip = true
			e.logger.Debug("neutralized remote delete against local update",
				zap.String("ref", conflict.remote.Ref().String()))
		case conflict.local.Kind == journal.OpDelete:
			// revert the local delete; applying the remote update restores
			// the row from the message
			p.dropLocals = append(p.dropLocals, conflict.local)
		default:
			if e.strategy.ResolveUpdateConflict(conflict.remote.Ref()) == UpdateKeepLocal {
				p.skip = true
			}
		}
	}

	dependencyPairs, err := d.dependency(remoteOps, localOps)
	if err != nil {
		return nil, err
	}
	for _, conflict := range dependencyPairs {
		plan(conflict.remote.Order).skip = true
		e.logger.Debug("neutralized remote delete against local dependent row",
			zap.String("ref", conflict.remote.Ref().String()),
			zap.String("dependent", conflict.local.Ref().String()))
	}

	reversedPairs, err := d.reversedDependency(remoteOps, localOps)
	if err != nil {
		return nil, err
	}
	for _, conflict := range reversedPairs {
		p := plan(conflict.remote.Order)
		p.reinsertParents = append(p.reinsertParents, conflict.local.Ref())
		p.dropLocals = append(p.dropLocals, conflict.local)
	}

	for _, conflict := range d.insertCollisions(remoteOps, localOps) {
		p := plan(conflict.remote.Order)
		if e.strategy.ResolveInsertCollision(conflict.remote.Ref()) == InsertReassignRemote {
			p.reassign = true
		} else {
			p.skip = true
		}
	}
	return plans, nil
}

// appliedOperations filters the remote sequence down to the operations the
// apply phase will execute under their own ref, for the unique-constraint
// scan; skipped operations and inserts moved to a fresh key are left out.
func (e *Engine) appliedOperations(remoteOps []journal.Operation, plans map[int64]*remotePlan) []journal.Operation {
	applied := make([]journal.Operation, 0, len(remoteOps))
	for _, op := range remoteOps {
		if plan := plans[op.Order]; plan != nil && (plan.skip || plan.reassign) {
			continue
		}
		applied = append(applied, op)
	}
	return applied
}

// reinsertFromMessage restores a locally deleted row from the pull message.
func (e *Engine) reinsertFromMessage(tx *gorm.DB, ref track.Ref, payloads message.PayloadMap) error {
	ct, ok := e.registry.ByID(ref.Type)
	if !ok {
		return fmt.Errorf("%w: %s", track.ErrUnknownContentType, ref.Type)
	}
	exists, err := track.RowExists(tx, ct, ref.PK)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	row, ok := payloads.Get(ref)
	if !ok {
		return &FetchError{Ref: ref, Container: ContainerMessage}
	}
	return track.InsertRow(tx, ct, row)
}

// insertReassigned gives a colliding incoming row the successor of the
// table's highest primary key and inserts it. The local row stays untouched,
// which is only sound because primary keys carry no meaning.
func (e *Engine) insertReassigned(tx *gorm.DB, ct track.ContentType, row track.Row) error {
	maxPK, err := track.MaxPK(tx, ct)
	if err != nil {
		return err
	}
	reassigned := make(track.Row, len(row))
	for column, value := range row {
		reassigned[column] = value
	}
	reassigned[ct.PKColumn] = maxPK + 1
	e.logger.Info("reassigned colliding insert",
		zap.String("type", ct.ID),
		zap.Int64("new_pk", maxPK+1))
	return track.InsertRow(tx, ct, reassigned)
}

// applySwapComponents deletes every row of each swap component and reinserts
// the rows with their final state from the message, with foreign-key
// enforcement deferred to the end of the transaction.
func (e *Engine) applySwapComponents(tx *gorm.DB, components [][]track.Ref, payloads message.PayloadMap) error {
	if len(components) == 0 {
		return nil
	}
	if err := tx.Exec("PRAGMA defer_foreign_keys = ON").Error; err != nil {
		return err
	}
	for _, component := range components {
		for _, ref := range component {
			ct, ok := e.registry.ByID(ref.Type)
			if !ok {
				return fmt.Errorf("%w: %s", track.ErrUnknownContentType, ref.Type)
			}
			if err := track.DeleteRow(tx, ct, ref.PK); err != nil {
				return err
			}
		}
		for _, ref := range component {
			ct, _ := e.registry.ByID(ref.Type)
			row, ok := payloads.Get(ref)
			if !ok {
				return &FetchError{Ref: ref, Container: ContainerMessage}
			}
			if err := track.InsertRow(tx, ct, row); err != nil {
				return err
			}
		}
	}
	return nil
}

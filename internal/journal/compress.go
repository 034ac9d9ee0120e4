package journal

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// SequenceWarning is the advisory raised when a per-row operation sequence
// does not match the local grammar. It usually indicates primary-key reuse by
// the database engine or external interference with the journal. The sequence
// is left untouched.
type SequenceWarning struct {
	Ref   track.Ref
	Kinds []OpKind
}

func (w SequenceWarning) Error() string {
	return fmt.Sprintf("journal: inconsistent operation sequence for %s: %v", w.Ref, w.Kinds)
}

// groupByRef splits operations into per-row sequences, each ordered by append
// index, and returns the refs in order of each sequence's first operation.
func groupByRef(ops []Operation) ([]track.Ref, map[track.Ref][]Operation) {
	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	var refs []track.Ref
	seqs := make(map[track.Ref][]Operation)
	for _, op := range sorted {
		ref := op.Ref()
		if _, seen := seqs[ref]; !seen {
			refs = append(refs, ref)
		}
		seqs[ref] = append(seqs[ref], op)
	}
	return refs, seqs
}

func kinds(seq []Operation) []OpKind {
	ks := make([]OpKind, len(seq))
	for i, op := range seq {
		ks[i] = op.Kind
	}
	return ks
}

// matchesLocalGrammar reports whether a per-row sequence is consistent with
// unique primary keys: optionally an insert first, updates in the middle, and
// optionally a delete last.
func matchesLocalGrammar(seq []Operation) bool {
	for i, op := range seq {
		switch op.Kind {
		case OpInsert:
			if i != 0 {
				return false
			}
		case OpDelete:
			if i != len(seq)-1 {
				return false
			}
		}
	}
	return true
}

// CompressLocal rewrites per-row local sequences to their net operation:
//
//	i u*   => i        u u* => u
//	i u* d => (empty)  u* d => d
//
// Sequences outside the grammar are kept verbatim and reported as warnings.
func CompressLocal(ops []Operation) ([]Operation, []SequenceWarning) {
	refs, seqs := groupByRef(ops)

	var compressed []Operation
	var warnings []SequenceWarning
	for _, ref := range refs {
		seq := seqs[ref]
		if !matchesLocalGrammar(seq) {
			warnings = append(warnings, SequenceWarning{Ref: ref, Kinds: kinds(seq)})
			compressed = append(compressed, seq...)
			continue
		}
		if len(seq) == 1 {
			compressed = append(compressed, seq[0])
			continue
		}
		first, last := seq[0], seq[len(seq)-1]
		switch {
		case first.Kind == OpInsert && last.Kind == OpDelete:
			// net no-op, the row never left this node
		case first.Kind == OpInsert:
			compressed = append(compressed, first)
		case last.Kind == OpDelete:
			compressed = append(compressed, last)
		default:
			compressed = append(compressed, first)
		}
	}
	sort.Slice(compressed, func(i, j int) bool { return compressed[i].Order < compressed[j].Order })
	return compressed, warnings
}

// CompressRemote rewrites per-row server sequences to their net operation.
// Unlike the local grammar, the server journal may legitimately re-insert a
// previously deleted row when another node won a conflict, so every sequence
// over {i,u,d} is covered:
//
//	i .* d => (empty)  i .* ~d => i
//	u .* d => d        u .* ~d => u
//	d .* d => d        d .* ~d => u
func CompressRemote(ops []Operation) []Operation {
	refs, seqs := groupByRef(ops)

	var compressed []Operation
	for _, ref := range refs {
		seq := seqs[ref]
		if len(seq) == 1 {
			compressed = append(compressed, seq[0])
			continue
		}
		first, last := seq[0], seq[len(seq)-1]
		switch first.Kind {
		case OpInsert:
			if last.Kind == OpDelete {
				continue
			}
			compressed = append(compressed, first)
		case OpUpdate:
			if last.Kind == OpDelete {
				compressed = append(compressed, last)
			} else {
				compressed = append(compressed, first)
			}
		case OpDelete:
			switch last.Kind {
			case OpDelete:
				compressed = append(compressed, first)
			case OpUpdate:
				compressed = append(compressed, last)
			default:
				// the row came back: a re-insert nets to an update of
				// state the receiver already holds
				rewritten := last
				rewritten.Kind = OpUpdate
				compressed = append(compressed, rewritten)
			}
		}
	}
	sort.Slice(compressed, func(i, j int) bool { return compressed[i].Order < compressed[j].Order })
	return compressed
}

// Compact compresses the unversioned journal in place, deleting entries made
// superfluous by later ones. Insert and update entries whose backing row can
// no longer be read are dropped with a warning, as they indicate journal and
// store drift that a message builder could not satisfy. Returns the surviving
// operations in append order together with any grammar warnings.
func Compact(db *gorm.DB, registry *track.Registry, logger *zap.Logger) ([]Operation, []SequenceWarning, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ops, err := Unversioned(db)
	if err != nil {
		return nil, nil, err
	}
	compressed, warnings := CompressLocal(ops)
	for _, warning := range warnings {
		logger.Warn("operation sequence outside the local grammar",
			zap.String("ref", warning.Ref.String()),
			zap.Any("kinds", warning.Kinds))
	}

	keep := make(map[int64]bool, len(compressed))
	survivors := make([]Operation, 0, len(compressed))
	for _, op := range compressed {
		keep[op.Order] = true
	}
	for _, op := range compressed {
		if op.Kind == OpDelete {
			survivors = append(survivors, op)
			continue
		}
		ct, ok := registry.ByID(op.TypeID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUntrackedOperation, op.TypeID)
		}
		exists, err := track.RowExists(db, ct, op.RowPK)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			logger.Warn("dropping operation without a backing row",
				zap.String("ref", op.Ref().String()),
				zap.String("kind", string(op.Kind)))
			keep[op.Order] = false
			continue
		}
		survivors = append(survivors, op)
	}

	for _, op := range ops {
		if !keep[op.Order] {
			if err := db.Where("op_order = ?", op.Order).Delete(&Operation{}).Error; err != nil {
				return nil, nil, err
			}
		}
	}
	return survivors, warnings, nil
}

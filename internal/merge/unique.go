package merge

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// swapStep records that applying the remote row would take unique values
// currently held by a different local row whose final state is also part of
// the message. Steps sharing a ref chain into multi-row swaps.
type swapStep struct {
	remote track.Ref
	local  track.Ref
}

// scanUnique walks all remote inserts and updates against the declared unique
// constraints of their types, in declaration order. It returns the detected
// swap steps and the unsolvable conflicts.
func scanUnique(db *gorm.DB, registry *track.Registry, remote []journal.Operation, payloads message.PayloadMap) ([]swapStep, []ConstraintEntry, error) {
	var steps []swapStep
	var unsolvable []ConstraintEntry

	for _, remoteOp := range remote {
		if remoteOp.Kind == journal.OpDelete {
			continue
		}
		ct, ok := registry.ByID(remoteOp.TypeID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, remoteOp.TypeID)
		}
		remoteRow, ok := payloads.Get(remoteOp.Ref())
		if !ok {
			return nil, nil, &FetchError{Ref: remoteOp.Ref(), Container: ContainerMessage}
		}
		for _, constraint := range ct.Uniques {
			values := make([]any, len(constraint))
			allNull := true
			for i, column := range constraint {
				values[i] = remoteRow[column]
				if values[i] != nil {
					allNull = false
				}
			}
			if allNull {
				continue
			}
			localRow, found, err := track.FindRowByValues(db, ct, constraint, values)
			if err != nil {
				return nil, nil, err
			}
			if !found {
				continue
			}
			localPK, err := ct.PK(localRow)
			if err != nil {
				return nil, nil, err
			}
			if localPK == remoteOp.RowPK {
				if remoteOp.Kind == journal.OpInsert {
					// two nodes created rows with the same unique values and
					// the same primary key; renumbering cannot help
					unsolvable = append(unsolvable, ConstraintEntry{
						Type:    ct.ID,
						PK:      localPK,
						Columns: constraint,
					})
					break
				}
				continue
			}
			localRef := track.Ref{Type: ct.ID, PK: localPK}
			if payloads.Has(localRef) {
				steps = append(steps, swapStep{remote: remoteOp.Ref(), local: localRef})
				continue
			}
			unsolvable = append(unsolvable, ConstraintEntry{
				Type:    ct.ID,
				PK:      localPK,
				Columns: constraint,
			})
			break
		}
	}
	return steps, unsolvable, nil
}

// refSet is a union-find structure over refs. Swap resolution operates on
// whole connected components, since value exchanges can chain through any
// number of rows, including across cyclic foreign-key graphs.
type refSet struct {
	parent map[track.Ref]track.Ref
}

func newRefSet() *refSet {
	return &refSet{parent: make(map[track.Ref]track.Ref)}
}

func (s *refSet) find(ref track.Ref) track.Ref {
	root, ok := s.parent[ref]
	if !ok {
		s.parent[ref] = ref
		return ref
	}
	if root == ref {
		return ref
	}
	resolved := s.find(root)
	s.parent[ref] = resolved
	return resolved
}

func (s *refSet) union(a, b track.Ref) {
	rootA, rootB := s.find(a), s.find(b)
	if rootA != rootB {
		s.parent[rootB] = rootA
	}
}

// components groups the union-find members by their root.
func (s *refSet) components() [][]track.Ref {
	grouped := make(map[track.Ref][]track.Ref)
	for ref := range s.parent {
		root := s.find(ref)
		grouped[root] = append(grouped[root], ref)
	}
	result := make([][]track.Ref, 0, len(grouped))
	for _, component := range grouped {
		result = append(result, component)
	}
	return result
}

// swapComponents builds the connected components of the pending swap set.
func swapComponents(steps []swapStep) [][]track.Ref {
	if len(steps) == 0 {
		return nil
	}
	set := newRefSet()
	for _, step := range steps {
		set.union(step.remote, step.local)
	}
	return set.components()
}

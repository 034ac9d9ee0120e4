package merge

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// pair is one detected conflict between a remote and a local operation.
type pair struct {
	remote journal.Operation
	local  journal.Operation
}

// detector computes the four identity-conflict sets of a merge. Remote rows
// are fetched from the pull message, local rows from the database.
type detector struct {
	db       *gorm.DB
	registry *track.Registry
	payloads message.PayloadMap
}

// direct finds update/delete operations on both sides referring to the same
// row. Relies on primary keys being unique through time.
func (d *detector) direct(remote, local []journal.Operation) []pair {
	var pairs []pair
	for _, remoteOp := range remote {
		if remoteOp.Kind == journal.OpInsert {
			continue
		}
		for _, localOp := range local {
			if localOp.Kind == journal.OpInsert {
				continue
			}
			if remoteOp.Ref() == localOp.Ref() {
				pairs = append(pairs, pair{remote: remoteOp, local: localOp})
			}
		}
	}
	return pairs
}

// dependency finds remote deletes whose row still has dependent rows inserted
// or updated locally.
func (d *detector) dependency(remote, local []journal.Operation) ([]pair, error) {
	var pairs []pair
	for _, remoteOp := range remote {
		if remoteOp.Kind != journal.OpDelete {
			continue
		}
		edges := d.registry.Referencing(remoteOp.TypeID)
		if len(edges) == 0 {
			continue
		}
		for _, localOp := range local {
			if localOp.Kind == journal.OpDelete {
				continue
			}
			columns, ok := edges[localOp.TypeID]
			if !ok {
				continue
			}
			ct, ok := d.registry.ByID(localOp.TypeID)
			if !ok {
				return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, localOp.TypeID)
			}
			row, err := track.FetchRow(d.db, ct, localOp.RowPK)
			if err != nil {
				return nil, &FetchError{Ref: localOp.Ref(), Container: ContainerDatabase}
			}
			if rowReferences(row, columns, remoteOp.RowPK) {
				pairs = append(pairs, pair{remote: remoteOp, local: localOp})
			}
		}
	}
	return pairs, nil
}

// reversedDependency finds local deletes whose row is referenced by rows
// inserted or updated in the pull message.
func (d *detector) reversedDependency(remote, local []journal.Operation) ([]pair, error) {
	var pairs []pair
	for _, localOp := range local {
		if localOp.Kind != journal.OpDelete {
			continue
		}
		edges := d.registry.Referencing(localOp.TypeID)
		if len(edges) == 0 {
			continue
		}
		for _, remoteOp := range remote {
			if remoteOp.Kind == journal.OpDelete {
				continue
			}
			columns, ok := edges[remoteOp.TypeID]
			if !ok {
				continue
			}
			row, ok := d.payloads.Get(remoteOp.Ref())
			if !ok {
				return nil, &FetchError{Ref: remoteOp.Ref(), Container: ContainerMessage}
			}
			if rowReferences(row, columns, localOp.RowPK) {
				pairs = append(pairs, pair{remote: remoteOp, local: localOp})
			}
		}
	}
	return pairs, nil
}

// insertCollisions finds inserts on both sides that were accidentally
// assigned the same primary key.
func (d *detector) insertCollisions(remote, local []journal.Operation) []pair {
	var pairs []pair
	for _, remoteOp := range remote {
		if remoteOp.Kind != journal.OpInsert {
			continue
		}
		for _, localOp := range local {
			if localOp.Kind != journal.OpInsert {
				continue
			}
			if remoteOp.Ref() == localOp.Ref() {
				pairs = append(pairs, pair{remote: remoteOp, local: localOp})
			}
		}
	}
	return pairs
}

// rowReferences reports whether any of the foreign-key columns holds the
// given primary key.
func rowReferences(row track.Row, columns []string, pk int64) bool {
	for _, column := range columns {
		value, ok := row[column]
		if !ok || value == nil {
			continue
		}
		if n, ok := value.(int64); ok && n == pk {
			return true
		}
	}
	return false
}

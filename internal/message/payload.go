package message

import (
	"sort"

	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// PayloadMap carries row snapshots keyed by content type and primary key.
// Snapshots are built on demand when a message is assembled and are never
// stored in the journal.
type PayloadMap map[string]map[int64]track.Row

// NewPayloadMap returns an empty payload container.
func NewPayloadMap() PayloadMap {
	return make(PayloadMap)
}

// Put stores the snapshot for a ref, replacing any previous one.
func (p PayloadMap) Put(ref track.Ref, row track.Row) {
	rows, ok := p[ref.Type]
	if !ok {
		rows = make(map[int64]track.Row)
		p[ref.Type] = rows
	}
	rows[ref.PK] = row
}

// Get returns the snapshot for a ref.
func (p PayloadMap) Get(ref track.Ref) (track.Row, bool) {
	rows, ok := p[ref.Type]
	if !ok {
		return nil, false
	}
	row, ok := rows[ref.PK]
	return row, ok
}

// Has reports whether a snapshot for the ref is present.
func (p PayloadMap) Has(ref track.Ref) bool {
	_, ok := p.Get(ref)
	return ok
}

// Refs lists all carried refs, ordered by type then primary key.
func (p PayloadMap) Refs() []track.Ref {
	var refs []track.Ref
	for typeID, rows := range p {
		for pk := range rows {
			refs = append(refs, track.Ref{Type: typeID, PK: pk})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].PK < refs[j].PK
	})
	return refs
}

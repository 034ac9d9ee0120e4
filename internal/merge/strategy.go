package merge

import "github.com/MarcoPoloResearchLab/estuary/internal/track"

// UpdateResolution decides an update-against-update conflict on one ref.
type UpdateResolution int

const (
	// UpdateKeepLocal discards the remote update; the local one is pushed later.
	UpdateKeepLocal UpdateResolution = iota
	// UpdateTakeRemote overwrites the local row with the remote state.
	UpdateTakeRemote
)

// InsertResolution decides an insert collision, where two nodes assigned the
// same primary key to different rows.
type InsertResolution int

const (
	// InsertReassignRemote gives the incoming row the successor of the
	// table's highest primary key and keeps the local row untouched.
	InsertReassignRemote InsertResolution = iota
	// InsertDiscardRemote drops the incoming row entirely.
	InsertDiscardRemote
)

// Strategy lets applications override the resolution of the two conflict
// classes that have no single correct answer. Delete conflicts always revert
// the delete, since the surviving side demonstrably still needs the row.
type Strategy interface {
	ResolveUpdateConflict(ref track.Ref) UpdateResolution
	ResolveInsertCollision(ref track.Ref) InsertResolution
}

// LocalWinsStrategy is the fixed default policy: local updates win and
// colliding inserts are kept by renumbering the incoming row.
type LocalWinsStrategy struct{}

func (LocalWinsStrategy) ResolveUpdateConflict(track.Ref) UpdateResolution {
	return UpdateKeepLocal
}

func (LocalWinsStrategy) ResolveInsertCollision(track.Ref) InsertResolution {
	return InsertReassignRemote
}

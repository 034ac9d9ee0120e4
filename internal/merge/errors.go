package merge

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// Containers a required row can be fetched from during a merge.
const (
	ContainerDatabase = "database"
	ContainerMessage  = "message"
)

// FetchError is fatal: a row the merge needs is absent from both the local
// database and the pull message, which indicates journal and store drift.
type FetchError struct {
	Ref       track.Ref
	Container string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("merge: required row %s not found in %s", e.Ref, e.Container)
}

// ConstraintEntry names one row and the unique columns the user must resolve
// by hand before the merge can proceed.
type ConstraintEntry struct {
	Type    string   `json:"type"`
	PK      int64    `json:"pk"`
	Columns []string `json:"columns"`
}

func (e ConstraintEntry) String() string {
	return fmt.Sprintf("%s/%d(%s)", e.Type, e.PK, strings.Join(e.Columns, ","))
}

// UniqueConstraintError aborts a merge: a remote row takes unique values held
// by a local row whose final state is not part of the pull message, so no
// swap can restore consistency.
type UniqueConstraintError struct {
	Entries []ConstraintEntry
}

func (e *UniqueConstraintError) Error() string {
	parts := make([]string, len(e.Entries))
	for i, entry := range e.Entries {
		parts[i] = entry.String()
	}
	return "merge: unsolvable unique constraint conflicts: " + strings.Join(parts, "; ")
}

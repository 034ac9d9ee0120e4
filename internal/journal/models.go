package journal

import (
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// OpKind is the journalled operation kind.
type OpKind string

const (
	OpInsert OpKind = "i"
	OpUpdate OpKind = "u"
	OpDelete OpKind = "d"
)

// Valid reports whether the kind is one of insert, update or delete.
func (k OpKind) Valid() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete
}

// Operation is one journal entry. The order column is the per-log append
// index; the version is absent until the operation is accepted by a push.
// Row state is never stored here, it is fetched when a message is built.
type Operation struct {
	Order     int64  `gorm:"column:op_order;primaryKey;autoIncrement"`
	Kind      OpKind `gorm:"column:kind;size:1;not null"`
	TypeID    string `gorm:"column:content_type;size:190;not null;index:idx_sync_operations_ref,priority:1"`
	RowPK     int64  `gorm:"column:row_pk;not null;index:idx_sync_operations_ref,priority:2"`
	VersionID *int64 `gorm:"column:version_id;index"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "sync_operations"
}

// Ref returns the row identity the operation refers to.
func (o Operation) Ref() track.Ref {
	return track.Ref{Type: o.TypeID, PK: o.RowPK}
}

// Versioned reports whether the operation was assigned a server version.
func (o Operation) Versioned() bool {
	return o.VersionID != nil
}

// Version is one entry of the version ledger. On the server a row is created
// for every accepted push; on the client rows mirror the versions already
// merged or pushed.
type Version struct {
	ID               int64  `gorm:"column:version_id;primaryKey;autoIncrement"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	NodeID           *int64 `gorm:"column:node_id"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "sync_versions"
}

// Node holds synchronization credentials. The server keeps one row per
// registered node; a client keeps the single row issued to it.
type Node struct {
	ID                  int64  `gorm:"column:node_id;primaryKey;autoIncrement"`
	Secret              string `gorm:"column:secret;size:190;not null"`
	RegisteredAtSeconds int64  `gorm:"column:registered_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Node) TableName() string {
	return "sync_nodes"
}

package message

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// WireOperation is the stable JSON shape of a journal entry.
type WireOperation struct {
	Order   int64  `json:"order"`
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	PK      int64  `json:"pk"`
	Version *int64 `json:"version,omitempty"`
}

// OperationToWire converts a journal entry to its wire shape.
func OperationToWire(op journal.Operation) WireOperation {
	return WireOperation{
		Order:   op.Order,
		Kind:    string(op.Kind),
		Type:    op.TypeID,
		PK:      op.RowPK,
		Version: op.VersionID,
	}
}

// Operation converts the wire shape back to a journal entry.
func (w WireOperation) Operation() (journal.Operation, error) {
	kind := journal.OpKind(w.Kind)
	if !kind.Valid() {
		return journal.Operation{}, fmt.Errorf("%w: operation kind %q", ErrMalformedMessage, w.Kind)
	}
	return journal.Operation{
		Order:     w.Order,
		Kind:      kind,
		TypeID:    w.Type,
		RowPK:     w.PK,
		VersionID: w.Version,
	}, nil
}

// Ref returns the row identity the operation refers to.
func (w WireOperation) Ref() track.Ref {
	return track.Ref{Type: w.Type, PK: w.PK}
}

func (w WireOperation) canonicalMap() map[string]any {
	doc := map[string]any{
		"order": w.Order,
		"kind":  w.Kind,
		"type":  w.Type,
		"pk":    w.PK,
	}
	if w.Version != nil {
		doc["version"] = *w.Version
	}
	return doc
}

// WireRef is a bare row identity carried inside messages.
type WireRef struct {
	Type string `json:"type"`
	PK   int64  `json:"pk"`
}

// Ref converts to the in-memory identity.
func (w WireRef) Ref() track.Ref {
	return track.Ref{Type: w.Type, PK: w.PK}
}

// RefToWire converts an identity to its wire shape.
func RefToWire(ref track.Ref) WireRef {
	return WireRef{Type: ref.Type, PK: ref.PK}
}

// PushMessage is the self-contained envelope a node posts to the server: its
// compressed unversioned operations plus the row snapshots needed to replay
// inserts and updates, signed with the node secret.
type PushMessage struct {
	NodeID           int64
	LastKnownVersion int64
	Operations       []WireOperation
	Payloads         PayloadMap
	Signature        string
	ExtraData        json.RawMessage
	CreatedAtSeconds int64
}

// PullRequest is the body of a pull: the node's identity and the last version
// it knows about.
type PullRequest struct {
	NodeID           int64           `json:"node_id"`
	LastKnownVersion int64           `json:"last_known_version"`
	ExtraData        json.RawMessage `json:"extra_data,omitempty"`
}

// PullMessage is the server's answer to a pull: every operation above the
// node's version, the snapshots those operations need, and the parent rows
// the merge may have to reinsert during conflict resolution.
type PullMessage struct {
	LatestVersion    int64
	Operations       []WireOperation
	Payloads         PayloadMap
	IncludedParents  []WireRef
	CreatedAtSeconds int64
}

// SnapshotMessage is the full-database answer to a repair request.
type SnapshotMessage struct {
	LatestVersion    int64
	Payloads         PayloadMap
	CreatedAtSeconds int64
}

// RegisterResponse carries freshly issued node credentials.
type RegisterResponse struct {
	NodeID              int64  `json:"node_id"`
	Secret              string `json:"secret"`
	RegisteredAtSeconds int64  `json:"registered_at_s"`
}

// PushResponse acknowledges an accepted push with the assigned version.
type PushResponse struct {
	LatestVersion int64 `json:"latest_version"`
}

type pushEnvelope struct {
	NodeID           int64                                `json:"node_id"`
	LastKnownVersion int64                                `json:"last_known_version"`
	Operations       []WireOperation                      `json:"operations"`
	Payloads         map[string]map[string]map[string]any `json:"payloads"`
	Signature        string                               `json:"signature,omitempty"`
	ExtraData        json.RawMessage                      `json:"extra_data,omitempty"`
	CreatedAtSeconds int64                                `json:"created_at_s"`
}

type pullEnvelope struct {
	LatestVersion    int64                                `json:"latest_version"`
	Operations       []WireOperation                      `json:"operations"`
	Payloads         map[string]map[string]map[string]any `json:"payloads"`
	IncludedParents  []WireRef                            `json:"included_parents,omitempty"`
	CreatedAtSeconds int64                                `json:"created_at_s"`
}

type snapshotEnvelope struct {
	LatestVersion    int64                                `json:"latest_version"`
	Payloads         map[string]map[string]map[string]any `json:"payloads"`
	CreatedAtSeconds int64                                `json:"created_at_s"`
}

// EncodePush serializes a push message.
func (c *Codec) EncodePush(m *PushMessage) ([]byte, error) {
	payloads, err := c.encodePayloads(m.Payloads)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pushEnvelope{
		NodeID:           m.NodeID,
		LastKnownVersion: m.LastKnownVersion,
		Operations:       m.Operations,
		Payloads:         payloads,
		Signature:        m.Signature,
		ExtraData:        m.ExtraData,
		CreatedAtSeconds: m.CreatedAtSeconds,
	})
}

// DecodePush parses a push message.
func (c *Codec) DecodePush(data []byte) (*PushMessage, error) {
	var envelope pushEnvelope
	if err := unmarshalNumbered(data, &envelope); err != nil {
		return nil, err
	}
	payloads, err := c.decodePayloads(envelope.Payloads)
	if err != nil {
		return nil, err
	}
	return &PushMessage{
		NodeID:           envelope.NodeID,
		LastKnownVersion: envelope.LastKnownVersion,
		Operations:       envelope.Operations,
		Payloads:         payloads,
		Signature:        envelope.Signature,
		ExtraData:        envelope.ExtraData,
		CreatedAtSeconds: envelope.CreatedAtSeconds,
	}, nil
}

// EncodePull serializes a pull message.
func (c *Codec) EncodePull(m *PullMessage) ([]byte, error) {
	payloads, err := c.encodePayloads(m.Payloads)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pullEnvelope{
		LatestVersion:    m.LatestVersion,
		Operations:       m.Operations,
		Payloads:         payloads,
		IncludedParents:  m.IncludedParents,
		CreatedAtSeconds: m.CreatedAtSeconds,
	})
}

// DecodePull parses a pull message.
func (c *Codec) DecodePull(data []byte) (*PullMessage, error) {
	var envelope pullEnvelope
	if err := unmarshalNumbered(data, &envelope); err != nil {
		return nil, err
	}
	payloads, err := c.decodePayloads(envelope.Payloads)
	if err != nil {
		return nil, err
	}
	return &PullMessage{
		LatestVersion:    envelope.LatestVersion,
		Operations:       envelope.Operations,
		Payloads:         payloads,
		IncludedParents:  envelope.IncludedParents,
		CreatedAtSeconds: envelope.CreatedAtSeconds,
	}, nil
}

// EncodeSnapshot serializes a repair snapshot.
func (c *Codec) EncodeSnapshot(m *SnapshotMessage) ([]byte, error) {
	payloads, err := c.encodePayloads(m.Payloads)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshotEnvelope{
		LatestVersion:    m.LatestVersion,
		Payloads:         payloads,
		CreatedAtSeconds: m.CreatedAtSeconds,
	})
}

// DecodeSnapshot parses a repair snapshot.
func (c *Codec) DecodeSnapshot(data []byte) (*SnapshotMessage, error) {
	var envelope snapshotEnvelope
	if err := unmarshalNumbered(data, &envelope); err != nil {
		return nil, err
	}
	payloads, err := c.decodePayloads(envelope.Payloads)
	if err != nil {
		return nil, err
	}
	return &SnapshotMessage{
		LatestVersion:    envelope.LatestVersion,
		Payloads:         payloads,
		CreatedAtSeconds: envelope.CreatedAtSeconds,
	}, nil
}

// CanonicalPushBytes builds the signing input for a push: the canonical UTF-8
// JSON of operations, payloads, last known version and node id, with object
// keys sorted. Both sides rebuild these bytes independently, so the encoding
// goes through maps to get deterministic key order.
func (c *Codec) CanonicalPushBytes(m *PushMessage) ([]byte, error) {
	payloads, err := c.encodePayloads(m.Payloads)
	if err != nil {
		return nil, err
	}
	operations := make([]map[string]any, len(m.Operations))
	for i, op := range m.Operations {
		operations[i] = op.canonicalMap()
	}
	return json.Marshal(map[string]any{
		"last_known_version": m.LastKnownVersion,
		"node_id":            m.NodeID,
		"operations":         operations,
		"payloads":           payloads,
	})
}

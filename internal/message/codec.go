package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

var (
	// ErrMalformedMessage indicates a wire document that cannot be decoded.
	ErrMalformedMessage = errors.New("message: malformed message")
	errMissingRegistry  = errors.New("message: registry is required")
)

// Codec translates between normalized row snapshots and the wire JSON shape.
// Decoding needs the registry to recover column kinds, so payloads of unknown
// content types are rejected here rather than deep inside a merge; operation
// content types are not checked by the codec.
type Codec struct {
	registry *track.Registry
}

// NewCodec builds a codec over the given registry.
func NewCodec(registry *track.Registry) (*Codec, error) {
	if registry == nil {
		return nil, errMissingRegistry
	}
	return &Codec{registry: registry}, nil
}

// EncodeRow converts a normalized row to its JSON-friendly wire form.
func EncodeRow(ct track.ContentType, row track.Row) map[string]any {
	wire := make(map[string]any, len(row))
	for _, col := range ct.Columns {
		value, ok := row[col.Name]
		if !ok {
			continue
		}
		if value == nil {
			wire[col.Name] = nil
			continue
		}
		if col.Kind == track.KindBlob {
			if raw, ok := value.([]byte); ok {
				wire[col.Name] = base64.StdEncoding.EncodeToString(raw)
				continue
			}
		}
		wire[col.Name] = value
	}
	return wire
}

// DecodeRow converts a decoded JSON object back to a normalized row.
func DecodeRow(ct track.ContentType, wire map[string]any) (track.Row, error) {
	row := make(track.Row, len(wire))
	for _, col := range ct.Columns {
		value, ok := wire[col.Name]
		if !ok {
			continue
		}
		if value == nil {
			row[col.Name] = nil
			continue
		}
		decoded, err := decodeValue(col.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s.%s: %v", ErrMalformedMessage, ct.ID, col.Name, err)
		}
		row[col.Name] = decoded
	}
	return row, nil
}

func decodeValue(kind track.ColumnKind, value any) (any, error) {
	switch kind {
	case track.KindInteger:
		switch v := value.(type) {
		case json.Number:
			return v.Int64()
		case float64:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case track.KindReal:
		switch v := value.(type) {
		case json.Number:
			return v.Float64()
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case track.KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case track.KindText, track.KindTime:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case track.KindBlob:
		if v, ok := value.(string); ok {
			return base64.StdEncoding.DecodeString(v)
		}
	}
	return nil, fmt.Errorf("unexpected value %v for kind %s", value, kind)
}

func (c *Codec) encodePayloads(payloads PayloadMap) (map[string]map[string]map[string]any, error) {
	wire := make(map[string]map[string]map[string]any, len(payloads))
	for typeID, rows := range payloads {
		ct, ok := c.registry.ByID(typeID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, typeID)
		}
		encoded := make(map[string]map[string]any, len(rows))
		for pk, row := range rows {
			encoded[strconv.FormatInt(pk, 10)] = EncodeRow(ct, row)
		}
		wire[typeID] = encoded
	}
	return wire, nil
}

func (c *Codec) decodePayloads(wire map[string]map[string]map[string]any) (PayloadMap, error) {
	payloads := NewPayloadMap()
	for typeID, rows := range wire {
		ct, ok := c.registry.ByID(typeID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, typeID)
		}
		for key, rawRow := range rows {
			pk, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: payload key %q of %s", ErrMalformedMessage, key, typeID)
			}
			row, err := DecodeRow(ct, rawRow)
			if err != nil {
				return nil, err
			}
			payloads.Put(track.Ref{Type: typeID, PK: pk}, row)
		}
	}
	return payloads, nil
}

// unmarshalNumbered decodes JSON keeping numbers as json.Number so integer
// row values survive the round trip exactly.
func unmarshalNumbered(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

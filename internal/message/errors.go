package message

import (
	"fmt"
)

// Error kinds carried in the wire error envelope.
const (
	ErrorKindPushRejected = "push_rejected"
	ErrorKindAuth         = "auth"
	ErrorKindIntegrity    = "integrity"
	ErrorKindBadRequest   = "bad_request"
)

// PushRejectedError is returned when the server's ledger moved past the
// node's last known version. The node reacts by pulling first.
type PushRejectedError struct {
	LatestVersion    int64
	LastKnownVersion int64
}

func (e *PushRejectedError) Error() string {
	return fmt.Sprintf("push rejected: server is at version %d, node knows %d",
		e.LatestVersion, e.LastKnownVersion)
}

// AuthError is returned on a signature mismatch or an unknown node.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// IntegrityError is returned when committing a push violates a store
// constraint. It names the offending row.
type IntegrityError struct {
	Type   string
	PK     int64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s/%d: %s", e.Type, e.PK, e.Reason)
}

// ErrorEntry is one element of the wire error envelope.
type ErrorEntry struct {
	Kind          string `json:"kind"`
	Message       string `json:"message,omitempty"`
	LatestVersion int64  `json:"latest_version,omitempty"`
	Type          string `json:"type,omitempty"`
	PK            int64  `json:"pk,omitempty"`
}

// ErrorEnvelope is the JSON body of a rejected request.
type ErrorEnvelope struct {
	Errors []ErrorEntry `json:"error"`
}

// EnvelopeFromError converts a typed protocol error to its wire envelope.
func EnvelopeFromError(err error) ErrorEnvelope {
	switch typed := err.(type) {
	case *PushRejectedError:
		return ErrorEnvelope{Errors: []ErrorEntry{{
			Kind:          ErrorKindPushRejected,
			Message:       typed.Error(),
			LatestVersion: typed.LatestVersion,
		}}}
	case *AuthError:
		return ErrorEnvelope{Errors: []ErrorEntry{{
			Kind:    ErrorKindAuth,
			Message: typed.Error(),
		}}}
	case *IntegrityError:
		return ErrorEnvelope{Errors: []ErrorEntry{{
			Kind:    ErrorKindIntegrity,
			Message: typed.Error(),
			Type:    typed.Type,
			PK:      typed.PK,
		}}}
	default:
		return ErrorEnvelope{Errors: []ErrorEntry{{
			Kind:    ErrorKindBadRequest,
			Message: err.Error(),
		}}}
	}
}

// ErrorFromEnvelope converts a wire envelope back to a typed error.
func (e ErrorEnvelope) ErrorFromEnvelope() error {
	if len(e.Errors) == 0 {
		return fmt.Errorf("%w: empty error envelope", ErrMalformedMessage)
	}
	entry := e.Errors[0]
	switch entry.Kind {
	case ErrorKindPushRejected:
		return &PushRejectedError{LatestVersion: entry.LatestVersion}
	case ErrorKindAuth:
		return &AuthError{Reason: entry.Message}
	case ErrorKindIntegrity:
		return &IntegrityError{Type: entry.Type, PK: entry.PK, Reason: entry.Message}
	default:
		return fmt.Errorf("server rejected request: %s", entry.Message)
	}
}

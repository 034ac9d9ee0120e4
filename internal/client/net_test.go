package client

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/estuary/internal/message"
)

func TestEndpointJoinsServerURL(t *testing.T) {
	c := &Client{serverURL: "http://localhost:8080/"}
	if got := c.endpoint("/push"); got != "http://localhost:8080/push" {
		t.Fatalf("unexpected endpoint: %s", got)
	}
	c.serverURL = "http://sync.example"
	if got := c.endpoint("/pull"); got != "http://sync.example/pull" {
		t.Fatalf("unexpected endpoint: %s", got)
	}
}

func TestDecodeErrorMapsEnvelopeKinds(t *testing.T) {
	body := []byte(`{"error":[{"kind":"push_rejected","latest_version":7}]}`)
	err := decodeError(400, body)
	var rejected *message.PushRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected push rejection, got: %v", err)
	}
	if rejected.LatestVersion != 7 {
		t.Fatalf("latest version lost: %+v", rejected)
	}

	body = []byte(`{"error":[{"kind":"auth","message":"signature mismatch"}]}`)
	err = decodeError(401, body)
	var authErr *message.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error, got: %v", err)
	}
}

func TestDecodeErrorFallsBackOnOpaqueBodies(t *testing.T) {
	if err := decodeError(502, []byte("<html>bad gateway</html>")); err == nil {
		t.Fatalf("expected an error for non-envelope bodies")
	}
}

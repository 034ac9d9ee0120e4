package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/estuary/internal/auth"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
)

func newTestHandler(t *testing.T, env *serverEnv, tokens *auth.TokenIssuer) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(Dependencies{
		Service: env.service,
		Codec:   env.codec,
		Tokens:  tokens,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return handler
}

func TestPingAnswers(t *testing.T) {
	env := newServerEnv(t)
	handler := newTestHandler(t, env, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestRegisterEndpointIssuesCredentials(t *testing.T) {
	env := newServerEnv(t)
	handler := newTestHandler(t, env, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/register", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response message.RegisterResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("malformed response: %v", err)
	}
	if response.NodeID == 0 || response.Secret == "" {
		t.Fatalf("incomplete credentials: %+v", response)
	}
}

func TestPushEndpointReportsRejection(t *testing.T) {
	env := newServerEnv(t)
	handler := newTestHandler(t, env, nil)

	nodeB := env.register(t)
	first := env.signedPush(t, nodeB, 0, []message.WireOperation{
		{Order: 1, Kind: "i", Type: "city", PK: 1},
	}, cityPayload(1, "A"))
	body, err := env.codec.EncodePush(first)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	nodeA := env.register(t)
	stale := env.signedPush(t, nodeA, 0, []message.WireOperation{
		{Order: 1, Kind: "i", Type: "city", PK: 2},
	}, cityPayload(2, "B"))
	body, err = env.codec.EncodePush(stale)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body)))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var envelope message.ErrorEnvelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("malformed envelope: %v", err)
	}
	if len(envelope.Errors) != 1 || envelope.Errors[0].Kind != message.ErrorKindPushRejected {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if envelope.Errors[0].LatestVersion != 1 {
		t.Fatalf("rejection must carry the server version: %+v", envelope.Errors[0])
	}
}

func TestProtectedEndpointsRequireBearerToken(t *testing.T) {
	env := newServerEnv(t)
	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		TokenTTL:      time.Minute,
	})
	handler := newTestHandler(t, env, tokens)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/pull", bytes.NewBufferString(`{}`)))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	node := env.register(t)
	tokenBody, err := json.Marshal(map[string]any{"node_id": node.ID, "secret": node.Secret})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	recorder = httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(tokenBody))
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("token exchange failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var tokenResponse struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &tokenResponse); err != nil {
		t.Fatalf("malformed token response: %v", err)
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodPost, "/pull", bytes.NewBufferString(`{"node_id":1,"last_known_version":0}`))
	request.Header.Set("Authorization", "Bearer "+tokenResponse.AccessToken)
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestQueryEndpointFilters(t *testing.T) {
	env := newServerEnv(t)
	handler := newTestHandler(t, env, nil)

	node := env.register(t)
	msg := env.signedPush(t, node, 0, []message.WireOperation{
		{Order: 1, Kind: "i", Type: "city", PK: 1},
	}, cityPayload(1, "A"))
	body, err := env.codec.EncodePush(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("push failed: %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/query?type=city&name=A", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("query failed: %d %s", recorder.Code, recorder.Body.String())
	}
	snapshot, err := env.codec.DecodeSnapshot(recorder.Body.Bytes())
	if err != nil {
		t.Fatalf("malformed query response: %v", err)
	}
	if len(snapshot.Payloads.Refs()) != 1 {
		t.Fatalf("expected one row, got %+v", snapshot.Payloads.Refs())
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/query", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing type must be a bad request, got %d", recorder.Code)
	}
}

package auth

import (
	"errors"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"node_id":1,"operations":[]}`)

	signature, err := SignPayload("secret-a", payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if signature == "" {
		t.Fatalf("expected a signature")
	}
	if err := VerifyPayload("secret-a", payload, signature); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := []byte("body")
	signature, err := SignPayload("secret-a", payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := VerifyPayload("secret-b", payload, signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature mismatch, got: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signature, err := SignPayload("secret-a", []byte("original"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := VerifyPayload("secret-a", []byte("tampered"), signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature mismatch, got: %v", err)
	}
}

func TestSignRequiresSecret(t *testing.T) {
	if _, err := SignPayload("", []byte("body")); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected empty secret error, got: %v", err)
	}
}

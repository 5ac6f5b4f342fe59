package gateway

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func testPayload() []byte {
	return []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "status": "succeeded", "amount": 5000, "currency": "usd"}}
	}`)
}

func TestConstructEvent_RoundTrip(t *testing.T) {
	payload := testPayload()
	header := SignatureHeader(payload, testSecret, time.Now())

	event, err := ConstructEvent(payload, header, testSecret)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	if event.Type != EventIntentSucceeded {
		t.Fatalf("expected %s, got %s", EventIntentSucceeded, event.Type)
	}
	if event.Data.Object.ID != "pi_123" || event.Data.Object.Status != IntentStatusSucceeded {
		t.Fatalf("unexpected embedded intent: %+v", event.Data.Object)
	}
}

func TestConstructEvent_WrongSecret(t *testing.T) {
	payload := testPayload()
	header := SignatureHeader(payload, "whsec_other", time.Now())

	if _, err := ConstructEvent(payload, header, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestConstructEvent_TamperedPayload(t *testing.T) {
	payload := testPayload()
	header := SignatureHeader(payload, testSecret, time.Now())

	tampered := []byte(`{"id": "evt_1", "type": "payment_intent.succeeded", "data": {"object": {"id": "pi_999", "status": "succeeded"}}}`)
	if _, err := ConstructEvent(tampered, header, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestConstructEvent_StaleTimestamp(t *testing.T) {
	payload := testPayload()
	header := SignatureHeader(payload, testSecret, time.Now().Add(-10*time.Minute))

	if _, err := ConstructEvent(payload, header, testSecret); !errors.Is(err, ErrSignatureExpired) {
		t.Fatalf("expected ErrSignatureExpired, got %v", err)
	}
}

func TestConstructEvent_MalformedHeader(t *testing.T) {
	payload := testPayload()

	for _, header := range []string{"", "v1=deadbeef", "t=notanumber,v1=deadbeef", "t=1712345678"} {
		if _, err := ConstructEvent(payload, header, testSecret); err == nil {
			t.Fatalf("expected error for header %q", header)
		}
	}
}

func TestConstructEvent_MultipleSignatures(t *testing.T) {
	payload := testPayload()
	ts := time.Now().Unix()
	// Providers may send several v1 entries during secret rotation; one valid
	// entry is enough.
	header := fmt.Sprintf("t=%d,v1=deadbeef,v1=%s", ts, Sign(payload, testSecret, ts))

	if _, err := ConstructEvent(payload, header, testSecret); err != nil {
		t.Fatalf("expected rotation header to verify, got %v", err)
	}
}

func TestParseEventInsecure(t *testing.T) {
	event, err := ParseEventInsecure(testPayload())
	if err != nil {
		t.Fatalf("parse insecure: %v", err)
	}
	if event.Data.Object.ID != "pi_123" {
		t.Fatalf("unexpected intent: %+v", event.Data.Object)
	}

	if _, err := ParseEventInsecure([]byte(`{"id": "evt_1"}`)); err == nil {
		t.Fatal("expected error for event without type")
	}
}

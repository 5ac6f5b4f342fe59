package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_CreateIntent(t *testing.T) {
	var gotForm map[string]string
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "pi_123",
			"client_secret": "pi_123_secret",
			"status": "pending",
			"amount": 5000,
			"currency": "usd",
			"metadata": {"application_id": "app-1"}
		}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "sk_test_123")
	intent, err := client.CreateIntent(context.Background(), CreateIntentParams{
		Amount:      5000,
		Currency:    "USD",
		Description: "Payment for Physics tutor needed",
		Metadata:    map[string]string{"application_id": "app-1"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if intent.ID != "pi_123" || intent.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if gotAuth != "Bearer sk_test_123" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotForm["amount"] != "5000" || gotForm["currency"] != "usd" {
		t.Fatalf("unexpected form values: %+v", gotForm)
	}
	if gotForm["metadata[application_id]"] != "app-1" {
		t.Fatalf("expected metadata form key, got %+v", gotForm)
	}
}

func TestHTTPClient_CreateIntentValidation(t *testing.T) {
	client := NewHTTPClient("http://localhost:0", "sk_test")

	if _, err := client.CreateIntent(context.Background(), CreateIntentParams{Amount: 0, Currency: "usd"}); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := client.CreateIntent(context.Background(), CreateIntentParams{Amount: 100}); err == nil {
		t.Fatal("expected error for missing currency")
	}
}

func TestHTTPClient_RetrieveIntent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payment_intents/pi_123" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "pi_123", "status": "succeeded", "amount": 5000, "currency": "usd"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "sk_test")
	intent, err := client.RetrieveIntent(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("retrieve intent: %v", err)
	}
	if intent.Status != IntentStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", intent.Status)
	}
}

func TestHTTPClient_RetrieveIntentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "no such payment_intent"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "sk_test")
	if _, err := client.RetrieveIntent(context.Background(), "pi_missing"); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestHTTPClient_ProviderErrorsWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "sk_test")
	if _, err := client.RetrieveIntent(context.Background(), "pi_123"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	server.Close()
	if _, err := client.RetrieveIntent(context.Background(), "pi_123"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after close, got %v", err)
	}
}

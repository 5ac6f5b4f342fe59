package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// EventIntentSucceeded is the only event type that triggers settlement.
	EventIntentSucceeded = "payment_intent.succeeded"

	// signatureTolerance bounds how stale a signed timestamp may be before
	// the event is rejected as a possible replay.
	signatureTolerance = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("gateway: webhook signature verification failed")
	ErrSignatureExpired = errors.New("gateway: webhook signature timestamp outside tolerance")
)

// Event is the provider's webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object Intent `json:"object"`
	} `json:"data"`
}

// ConstructEvent verifies the signature header against the shared secret and
// decodes the payload. The header carries a unix timestamp and an HMAC-SHA256
// of "<t>.<payload>", e.g. "t=1712345678,v1=abcdef...".
func ConstructEvent(payload []byte, sigHeader, secret string) (Event, error) {
	if secret == "" {
		return Event{}, fmt.Errorf("gateway: webhook secret required for verification")
	}

	ts, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return Event{}, err
	}

	if d := time.Since(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return Event{}, ErrSignatureExpired
	}

	expected := Sign(payload, secret, ts)
	var match bool
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			match = true
			break
		}
	}
	if !match {
		return Event{}, ErrInvalidSignature
	}

	return decodeEvent(payload)
}

// ParseEventInsecure decodes a webhook payload without verifying anything.
// This exists only for deployments with no configured secret; callers must
// log a warning whenever they take this path.
func ParseEventInsecure(payload []byte) (Event, error) {
	return decodeEvent(payload)
}

// Sign computes the hex HMAC-SHA256 signature of "<t>.<payload>". Exported
// for test harnesses that fabricate provider callbacks.
func Sign(payload []byte, secret string, unixTS int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", unixTS)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader renders the header a provider would send for payload.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, Sign(payload, secret, ts))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		ts         int64
		tsSeen     bool
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("gateway: malformed signature timestamp: %w", err)
			}
			ts = parsed
			tsSeen = true
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if !tsSeen || len(signatures) == 0 {
		return 0, nil, ErrInvalidSignature
	}
	return ts, signatures, nil
}

func decodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("gateway: decode event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("gateway: event missing type")
	}
	return event, nil
}

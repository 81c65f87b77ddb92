package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"testing"
	"time"
)

func signPayload(key, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestVerifier(t *testing.T, key string, skew time.Duration, at time.Time) *Verifier {
	t.Helper()
	v := NewVerifier(key, skew, NewMemoryTokenCache(100))
	v.now = func() time.Time { return at }
	return v
}

func TestVerify(t *testing.T) {
	const key = "test-signing-key"
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	skew := 5 * time.Minute

	freshTS := strconv.FormatInt(now.Unix(), 10)
	staleTS := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	futureTS := strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10)
	edgeTS := strconv.FormatInt(now.Add(-skew).Unix(), 10)

	tests := []struct {
		name      string
		timestamp string
		token     string
		signature string
		wantErr   error
	}{
		{
			name:      "valid delivery",
			timestamp: freshTS,
			token:     "tok-1",
			signature: signPayload(key, freshTS, "tok-1"),
		},
		{
			name:      "tampered signature",
			timestamp: freshTS,
			token:     "tok-2",
			signature: signPayload("wrong-key", freshTS, "tok-2"),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "non-hex signature",
			timestamp: freshTS,
			token:     "tok-3",
			signature: "not hex at all",
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "timestamp too old",
			timestamp: staleTS,
			token:     "tok-4",
			signature: signPayload(key, staleTS, "tok-4"),
			wantErr:   ErrStaleTimestamp,
		},
		{
			name:      "timestamp too far in the future",
			timestamp: futureTS,
			token:     "tok-5",
			signature: signPayload(key, futureTS, "tok-5"),
			wantErr:   ErrStaleTimestamp,
		},
		{
			name:      "timestamp exactly at skew boundary",
			timestamp: edgeTS,
			token:     "tok-6",
			signature: signPayload(key, edgeTS, "tok-6"),
		},
		{
			name:      "non-numeric timestamp",
			timestamp: "yesterday",
			token:     "tok-7",
			signature: signPayload(key, "yesterday", "tok-7"),
			wantErr:   ErrMalformedAuth,
		},
		{
			name:    "missing fields",
			token:   "tok-8",
			wantErr: ErrMalformedAuth,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVerifier(t, key, skew, now)
			err := v.Verify(context.Background(), tc.timestamp, tc.token, tc.signature)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	const key = "test-signing-key"
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, key, 5*time.Minute, now)

	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signPayload(key, ts, "tok-replay")

	if err := v.Verify(context.Background(), ts, "tok-replay", sig); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}
	err := v.Verify(context.Background(), ts, "tok-replay", sig)
	if !errors.Is(err, ErrReplayedToken) {
		t.Fatalf("replayed delivery error = %v, want ErrReplayedToken", err)
	}

	// A different token under the same timestamp is still fresh.
	sig2 := signPayload(key, ts, "tok-other")
	if err := v.Verify(context.Background(), ts, "tok-other", sig2); err != nil {
		t.Fatalf("distinct token rejected: %v", err)
	}
}

func TestVerifyFailedSignatureDoesNotConsumeToken(t *testing.T) {
	const key = "test-signing-key"
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, key, 5*time.Minute, now)

	ts := strconv.FormatInt(now.Unix(), 10)

	bad := signPayload("wrong-key", ts, "tok-1")
	if err := v.Verify(context.Background(), ts, "tok-1", bad); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged delivery error = %v, want ErrInvalidSignature", err)
	}

	// The legitimate delivery with the same token must still pass.
	good := signPayload(key, ts, "tok-1")
	if err := v.Verify(context.Background(), ts, "tok-1", good); err != nil {
		t.Fatalf("legitimate delivery rejected after forgery attempt: %v", err)
	}
}

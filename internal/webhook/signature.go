// Package webhook provides the inbound email-event webhook bounded context.
// It authenticates provider callbacks, normalizes their payloads into the
// internal event vocabulary, and hands them to the conversation pipeline.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Rejection reasons returned by the Verifier. The handler maps all of them to
// an unauthorized response; logs keep them distinguishable.
var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside skew window")
	ErrReplayedToken    = errors.New("webhook token already accepted")
	ErrMalformedAuth    = errors.New("webhook auth fields missing or malformed")
)

// TokenCache records accepted (timestamp, token) pairs for replay defense.
// Remember returns false when the pair was already present. Implementations
// must be safe for concurrent use.
type TokenCache interface {
	Remember(ctx context.Context, timestamp, token string, ttl time.Duration) (bool, error)
}

// Verifier authenticates webhook deliveries: an HMAC-SHA256 signature over
// timestamp||token, a freshness window on the timestamp, and an anti-replay
// cache on the (timestamp, token) pair.
type Verifier struct {
	signingKey []byte
	skew       time.Duration
	cache      TokenCache
	now        func() time.Time
}

// NewVerifier creates a Verifier. The cache TTL is derived from the skew
// window so a token outlives the period in which its timestamp would still
// be accepted.
func NewVerifier(signingKey string, skew time.Duration, cache TokenCache) *Verifier {
	return &Verifier{
		signingKey: []byte(signingKey),
		skew:       skew,
		cache:      cache,
		now:        time.Now,
	}
}

// Verify authenticates one delivery. It has no side effects besides recording
// the token in the anti-replay cache on success.
func (v *Verifier) Verify(ctx context.Context, timestamp, token, signature string) error {
	if timestamp == "" || token == "" || signature == "" {
		return ErrMalformedAuth
	}

	mac := hmac.New(sha256.New, v.signingKey)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMalformedAuth
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.skew || age < -v.skew {
		return ErrStaleTimestamp
	}

	fresh, err := v.cache.Remember(ctx, timestamp, token, 2*v.skew)
	if err != nil {
		return err
	}
	if !fresh {
		return ErrReplayedToken
	}

	return nil
}

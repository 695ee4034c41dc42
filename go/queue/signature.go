package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the delivery signature of a queued message.
const SignatureHeader = "Upstash-Signature"

var (
	// ErrMissingSignature marks a delivery without a signature header.
	ErrMissingSignature = errors.New("missing queue signature")
	// ErrBadSignature marks a delivery whose signature doesn't match.
	ErrBadSignature = errors.New("queue signature mismatch")
)

// Verifier authenticates webhook deliveries with versioned HMAC-SHA256
// signatures of the form "v1=<hex>". Two keys may be active at once so
// keys can rotate without dropping in-flight deliveries.
type Verifier struct {
	keys [][]byte
}

// NewVerifier builds a Verifier over the current signing key and an
// optional previous one.
func NewVerifier(current, previous string) (*Verifier, error) {
	if current == "" {
		return nil, errors.New("a signing key is required")
	}
	var keys = [][]byte{[]byte(current)}
	if previous != "" {
		keys = append(keys, []byte(previous))
	}
	return &Verifier{keys: keys}, nil
}

// Sign computes the signature header value of |body| under the current
// key.
func (v *Verifier) Sign(body []byte) string {
	return "v1=" + hex.EncodeToString(digest(v.keys[0], body))
}

// Verify checks |header| against |body| under any active key. It
// returns ErrMissingSignature or ErrBadSignature, never details of the
// mismatch.
func (v *Verifier) Verify(header string, body []byte) error {
	if header == "" {
		verifyFailures.WithLabelValues("missing").Inc()
		return ErrMissingSignature
	}
	// Deliveries may carry several comma-separated signatures.
	for _, part := range strings.Split(header, ",") {
		var sig = strings.TrimSpace(part)
		if !strings.HasPrefix(sig, "v1=") {
			continue
		}
		expected, err := hex.DecodeString(strings.TrimPrefix(sig, "v1="))
		if err != nil {
			continue
		}
		for _, key := range v.keys {
			if hmac.Equal(expected, digest(key, body)) {
				return nil
			}
		}
	}
	verifyFailures.WithLabelValues("mismatch").Inc()
	return ErrBadSignature
}

func digest(key, body []byte) []byte {
	var mac = hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

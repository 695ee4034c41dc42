package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	verifier, err := NewVerifier("key-a", "")
	require.NoError(t, err)

	var body = []byte(`{"taskId":"t1"}`)
	require.NoError(t, verifier.Verify(verifier.Sign(body), body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	verifier, err := NewVerifier("key-a", "")
	require.NoError(t, err)

	var sig = verifier.Sign([]byte(`{"taskId":"t1"}`))
	require.ErrorIs(t, verifier.Verify(sig, []byte(`{"taskId":"t2"}`)), ErrBadSignature)
}

func TestVerifyAcceptsPreviousKeyDuringRotation(t *testing.T) {
	old, err := NewVerifier("key-old", "")
	require.NoError(t, err)
	rotated, err := NewVerifier("key-new", "key-old")
	require.NoError(t, err)

	var body = []byte("payload")
	require.NoError(t, rotated.Verify(old.Sign(body), body))

	// But not a key that was never configured.
	stranger, err := NewVerifier("key-other", "")
	require.NoError(t, err)
	require.ErrorIs(t, rotated.Verify(stranger.Sign(body), body), ErrBadSignature)
}

func TestVerifyMissingOrMalformedHeader(t *testing.T) {
	verifier, err := NewVerifier("key-a", "")
	require.NoError(t, err)

	require.ErrorIs(t, verifier.Verify("", []byte("x")), ErrMissingSignature)
	require.ErrorIs(t, verifier.Verify("not-a-signature", []byte("x")), ErrBadSignature)
	require.ErrorIs(t, verifier.Verify("v1=zzzz", []byte("x")), ErrBadSignature)
}

func TestVerifyScansCommaSeparatedSignatures(t *testing.T) {
	verifier, err := NewVerifier("key-a", "")
	require.NoError(t, err)

	var body = []byte("payload")
	var header = "v1=deadbeef, " + verifier.Sign(body)
	require.NoError(t, verifier.Verify(header, body))
}

func TestNewVerifierRequiresKey(t *testing.T) {
	var _, err = NewVerifier("", "old")
	require.Error(t, err)
}

package protocol

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

func TestClassifyKinds(t *testing.T) {
	var cases = []struct {
		name string
		err  error
		want Kind
	}{
		{"code 406", &limits.StatusError{Code: 406}, KindAuthKeyDuplicated},
		{"conflicting poller", &limits.StatusError{Code: 409}, KindAuthKeyDuplicated},
		{"auth text", errors.New("AUTH_KEY_DUPLICATED (406)"), KindAuthKeyDuplicated},
		{"gateway error", &limits.StatusError{Code: 502}, KindNetwork},
		{"rpc rejection", &limits.StatusError{Code: 400}, KindRPCError},
		{"request timeout code", &limits.StatusError{Code: 408}, KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"etimedout", errors.New("connect ETIMEDOUT 149.154.167.51:443"), KindTimeout},
		{"econnreset", errors.New("read tcp: ECONNRESET"), KindTimeout},
		{"timed out text", errors.New("request timed out after 30s"), KindTimeout},
		{"binary reader", errors.New("readUInt32LE out of bounds at offset 4"), KindBinaryReader},
		{"binary reader signed", errors.New("readInt32LE: attempt to access memory outside buffer"), KindBinaryReader},
		{"not connected", errors.New("client is not connected"), KindNotConnected},
		{"disconnected", errors.New("sender was disconnected"), KindNotConnected},
		{"connection lost", errors.New("connection lost while receiving frame"), KindConnectionLost},
		{"eof", io.EOF, KindConnectionLost},
		{"unexpected eof", io.ErrUnexpectedEOF, KindConnectionLost},
		{"broken pipe", errors.New("write: broken pipe"), KindConnectionLost},
		{"refused", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), KindNetwork},
		{"dns", errors.New("lookup api.invalid: no such host"), KindNetwork},
		{"flood wait", errors.New("FLOOD_WAIT_X (420)"), KindRPCError},
		{"rpc text", errors.New("rpc call failed: INPUT_METHOD_INVALID"), KindRPCError},
		{"mystery", errors.New("something odd happened"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRecoverableOnlyExcludesDuplicatedAuthKey(t *testing.T) {
	for _, kind := range []Kind{
		KindTimeout, KindNotConnected, KindConnectionLost,
		KindBinaryReader, KindNetwork, KindRPCError, KindUnknown,
	} {
		require.True(t, Recoverable(kind), "kind %s", kind)
	}
	require.False(t, Recoverable(KindAuthKeyDuplicated))
}

func TestShouldResetSession(t *testing.T) {
	require.True(t, ShouldResetSession(KindBinaryReader, 0))
	require.True(t, ShouldResetSession(KindAuthKeyDuplicated, 0))

	// Timeouts only force a reset once they look systemic.
	require.False(t, ShouldResetSession(KindTimeout, 2))
	require.True(t, ShouldResetSession(KindTimeout, 3))

	require.False(t, ShouldResetSession(KindNetwork, 10))
	require.False(t, ShouldResetSession(KindConnectionLost, 10))
}

func TestStrategyBackoffGrowsAndCaps(t *testing.T) {
	require.Equal(t, time.Second, Strategy(KindTimeout, 0).Delay)
	require.Equal(t, 2*time.Second, Strategy(KindTimeout, 1).Delay)
	require.Equal(t, 8*time.Second, Strategy(KindTimeout, 3).Delay)
	require.Equal(t, 30*time.Second, Strategy(KindTimeout, 20).Delay)

	var plan = Strategy(KindTimeout, 0)
	require.Equal(t, ReconnectLightweight, plan.Type)
	require.True(t, plan.ShouldRetry)
}

func TestStrategyForDuplicatedAuthKeyDoesNotRetry(t *testing.T) {
	var plan = Strategy(KindAuthKeyDuplicated, 0)
	require.Equal(t, ReconnectFull, plan.Type)
	require.False(t, plan.ShouldRetry)
}

func TestStrategyUnknownKindFallsBack(t *testing.T) {
	var plan = Strategy(Kind("SOMETHING_NEW"), 0)
	require.Equal(t, ReconnectFull, plan.Type)
	require.Equal(t, 5*time.Second, plan.Delay)
	require.True(t, plan.ShouldRetry)
}

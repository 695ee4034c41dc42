package kvcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// upstashStub emulates the Upstash Redis REST protocol over a map.
type upstashStub struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *upstashStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		if strings.HasSuffix(r.URL.Path, "/pipeline") {
			var cmds [][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&cmds))
			var replies []map[string]interface{}
			for _, cmd := range cmds {
				replies = append(replies, map[string]interface{}{"result": s.exec(cmd)})
			}
			require.NoError(t, json.NewEncoder(w).Encode(replies))
			return
		}
		var cmd []string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{"result": s.exec(cmd)}))
	}
}

func (s *upstashStub) exec(cmd []string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToUpper(cmd[0]) {
	case "PING":
		return "PONG"
	case "GET":
		value, ok := s.data[cmd[1]]
		if !ok {
			return nil
		}
		return value
	case "SET":
		s.data[cmd[1]] = cmd[2]
		return "OK"
	case "DEL":
		delete(s.data, cmd[1])
		return 1
	case "SCAN":
		var prefix = strings.TrimSuffix(cmd[3], "*")
		var keys = []string{}
		for k := range s.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return []interface{}{"0", keys}
	default:
		return nil
	}
}

func newTestUpstash(t *testing.T) (*upstashStub, *Upstash) {
	t.Helper()
	var stub = &upstashStub{data: make(map[string]string)}
	var srv = httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	provider, err := NewUpstash(UpstashConfig{URL: srv.URL, Token: "test-token"})
	require.NoError(t, err)
	return stub, provider
}

func TestUpstashProviderRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var _, provider = newTestUpstash(t)

	require.NoError(t, provider.Ping(ctx))

	_, err := provider.Get(ctx, "absent")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, provider.Set(ctx, "session:1", []byte(`{"dc":4}`), time.Minute))
	value, err := provider.Get(ctx, "session:1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"dc":4}`), value)

	require.NoError(t, provider.Delete(ctx, "session:1"))
	_, err = provider.Get(ctx, "session:1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpstashProviderPipelineAndScan(t *testing.T) {
	var ctx = context.Background()
	var _, provider = newTestUpstash(t)

	require.NoError(t, provider.BulkSet(ctx, []Entry{
		{Key: "instance:a", Value: []byte("1")},
		{Key: "instance:b", Value: []byte("2"), TTL: time.Hour},
		{Key: "other", Value: []byte("3")},
	}))

	keys, err := provider.ListKeys(ctx, "instance:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"instance:a", "instance:b"}, keys)
}

func TestUpstashProviderSurfacesStatusErrors(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"max requests limit exceeded"}`))
	}))
	t.Cleanup(srv.Close)

	provider, err := NewUpstash(UpstashConfig{URL: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	err = provider.Set(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
	require.Equal(t, classQuota, classifyError(err))
}

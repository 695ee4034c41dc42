package kvcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// cloudflareStub emulates the Workers KV REST surface used by the
// provider: values, keys listing, and bulk writes.
type cloudflareStub struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *cloudflareStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/values/"):
			var key = strings.TrimPrefix(r.URL.Path, "/values/")
			switch r.Method {
			case http.MethodGet:
				value, ok := s.data[key]
				if !ok {
					http.Error(w, `{"success":false}`, http.StatusNotFound)
					return
				}
				_, _ = io.WriteString(w, value)
			case http.MethodPut:
				body, _ := io.ReadAll(r.Body)
				s.data[key] = string(body)
				_, _ = io.WriteString(w, `{"success":true}`)
			case http.MethodDelete:
				delete(s.data, key)
				_, _ = io.WriteString(w, `{"success":true}`)
			}

		case r.URL.Path == "/keys":
			var prefix = r.URL.Query().Get("prefix")
			var names []map[string]string
			for k := range s.data {
				if strings.HasPrefix(k, prefix) {
					names = append(names, map[string]string{"name": k})
				}
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
				"success":     true,
				"result":      names,
				"result_info": map[string]string{"cursor": ""},
			}))

		case r.URL.Path == "/bulk" && r.Method == http.MethodPut:
			var entries []struct {
				Key    string `json:"key"`
				Value  string `json:"value"`
				Base64 bool   `json:"base64"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&entries))
			for _, e := range entries {
				var value = e.Value
				if e.Base64 {
					decoded, err := base64.StdEncoding.DecodeString(e.Value)
					require.NoError(t, err)
					value = string(decoded)
				}
				s.data[e.Key] = value
			}
			_, _ = io.WriteString(w, `{"success":true}`)

		default:
			http.NotFound(w, r)
		}
	}
}

func newTestCloudflare(t *testing.T) (*cloudflareStub, *Cloudflare) {
	t.Helper()
	var stub = &cloudflareStub{data: make(map[string]string)}
	var srv = httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	// White-box construction pointed at the stub.
	return stub, &Cloudflare{
		base:  srv.URL,
		token: "test-token",
		http:  srv.Client(),
	}
}

func TestCloudflareProviderRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var _, provider = newTestCloudflare(t)

	require.NoError(t, provider.Ping(ctx))

	_, err := provider.Get(ctx, "absent")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, provider.Set(ctx, "setting:drive:7", []byte("gcs"), time.Hour))
	value, err := provider.Get(ctx, "setting:drive:7")
	require.NoError(t, err)
	require.Equal(t, []byte("gcs"), value)

	require.NoError(t, provider.Delete(ctx, "setting:drive:7"))
	_, err = provider.Get(ctx, "setting:drive:7")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloudflareProviderBulkAndList(t *testing.T) {
	var ctx = context.Background()
	var stub, provider = newTestCloudflare(t)

	require.NoError(t, provider.BulkSet(ctx, []Entry{
		{Key: "instance:a", Value: []byte("1")},
		{Key: "instance:b", Value: []byte("2"), TTL: time.Second},
	}))
	require.Equal(t, "1", stub.data["instance:a"])

	keys, err := provider.ListKeys(ctx, "instance:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"instance:a", "instance:b"}, keys)
}

func TestCloudflareProviderQuotaError(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false,"errors":[{"code":10000,"message":"quota exceeded"}]}`,
			http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	var provider = &Cloudflare{base: srv.URL, token: "t", http: srv.Client()}
	var err = provider.Set(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
	require.Equal(t, classQuota, classifyError(err))
}

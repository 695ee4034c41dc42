package kvcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-memory Provider with scripted failures.
type fakeProvider struct {
	name string

	mu          sync.Mutex
	data        map[string][]byte
	nextErrs    []error
	getCalls    int
	setCalls    int
	deleteCalls int
	pingCalls   int
}

var _ Provider = (*fakeProvider)(nil)

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, data: make(map[string][]byte)}
}

// fail scripts the next |n| calls of any operation to return |err|.
func (f *fakeProvider) fail(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i != n; i++ {
		f.nextErrs = append(f.nextErrs, err)
	}
}

func (f *fakeProvider) popErr() error {
	if len(f.nextErrs) == 0 {
		return nil
	}
	var err = f.nextErrs[0]
	f.nextErrs = f.nextErrs[1:]
	return err
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.popErr(); err != nil {
		return nil, err
	}
	value, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (f *fakeProvider) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if err := f.popErr(); err != nil {
		return err
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeProvider) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if err := f.popErr(); err != nil {
		return err
	}
	delete(f.data, key)
	return nil
}

func (f *fakeProvider) ListKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeProvider) BulkSet(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(); err != nil {
		return err
	}
	for _, e := range entries {
		f.data[e.Key] = append([]byte(nil), e.Value...)
	}
	return nil
}

func (f *fakeProvider) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	return f.popErr()
}

func newTestCache(t *testing.T, primary, backup Provider) *Cache {
	t.Helper()
	cache, err := NewCache(Config{Primary: primary, Backup: backup})
	require.NoError(t, err)
	return cache
}

func TestReadYourWrites(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.Set(ctx, "session:1", []byte(`{"dc":4}`), 0, Options{}))

	value, err := cache.Get(ctx, "session:1", Options{})
	require.NoError(t, err)
	require.Equal(t, []byte(`{"dc":4}`), value)
	// Served from L1, not the provider.
	require.Equal(t, 0, p.getCalls)
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	var ctx = context.Background()
	var cache = newTestCache(t, newFakeProvider("primary"), nil)

	value, err := cache.Get(ctx, "absent", Options{})
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestSmartWriteSkipsIdenticalValue(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.Set(ctx, "setting:drive:7", []byte("gcs"), 0, Options{}))
	require.NoError(t, cache.Set(ctx, "setting:drive:7", []byte("gcs"), 0, Options{}))
	require.Equal(t, 1, p.setCalls)

	// A different value writes through.
	require.NoError(t, cache.Set(ctx, "setting:drive:7", []byte("s3"), 0, Options{}))
	require.Equal(t, 2, p.setCalls)
}

func TestSkipCacheBypassesFilterAndL1(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.Set(ctx, "lock:telegram_client", []byte("inst-a"), 0, Options{}))

	// An identical write with SkipCache still reaches the provider, so
	// lock renewals always refresh the remote TTL.
	require.NoError(t, cache.Set(ctx, "lock:telegram_client", []byte("inst-a"), 0, Options{SkipCache: true}))
	require.Equal(t, 2, p.setCalls)

	// The write invalidated L1, so a cached read refetches.
	_, err := cache.Get(ctx, "lock:telegram_client", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, p.getCalls)
}

func TestSkipCacheReadSeesRemoteMutation(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.Set(ctx, "lock:task:42", []byte("inst-a"), 0, Options{}))

	// Another instance steals the lock behind our back.
	p.mu.Lock()
	p.data["lock:task:42"] = []byte("inst-b")
	p.mu.Unlock()

	value, err := cache.Get(ctx, "lock:task:42", Options{SkipCache: true})
	require.NoError(t, err)
	require.Equal(t, []byte("inst-b"), value)
}

func TestDeleteThenGetReturnsNil(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0, Options{}))
	require.NoError(t, cache.Delete(ctx, "k"))

	value, err := cache.Get(ctx, "k", Options{})
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestDeleteAbsentKeySucceeds(t *testing.T) {
	var cache = newTestCache(t, newFakeProvider("primary"), nil)
	require.NoError(t, cache.Delete(context.Background(), "never-set"))
}

func TestExpiredL1EntryIsAMiss(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	var now = time.Now()
	cache.clock = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0, Options{CacheTTL: time.Minute}))

	// Fresh: served locally.
	_, err := cache.Get(ctx, "k", Options{})
	require.NoError(t, err)
	require.Equal(t, 0, p.getCalls)

	// Expired: refetched from the provider.
	now = now.Add(2 * time.Minute)
	value, err := cache.Get(ctx, "k", Options{})
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
	require.Equal(t, 1, p.getCalls)
}

func TestBulkSetPopulatesL1(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.BulkSet(ctx, []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), TTL: time.Hour},
	}))

	for key, want := range map[string]string{"a": "1", "b": "2"} {
		value, err := cache.Get(ctx, key, Options{})
		require.NoError(t, err)
		require.Equal(t, []byte(want), value)
	}
	require.Equal(t, 0, p.getCalls)
}

func TestListKeysDelegates(t *testing.T) {
	var ctx = context.Background()
	var p = newFakeProvider("primary")
	var cache = newTestCache(t, p, nil)

	require.NoError(t, cache.Set(ctx, "instance:a", []byte("1"), 0, Options{}))
	require.NoError(t, cache.Set(ctx, "instance:b", []byte("2"), 0, Options{}))
	require.NoError(t, cache.Set(ctx, "other", []byte("3"), 0, Options{}))

	keys, err := cache.ListKeys(ctx, "instance:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"instance:a", "instance:b"}, keys)
}

func TestDigestKeyIsStableAndDelimited(t *testing.T) {
	require.Equal(t, DigestKey("7", "movie.mkv", "1048576"), DigestKey("7", "movie.mkv", "1048576"))
	require.NotEqual(t, DigestKey("ab", "c"), DigestKey("a", "bc"))
}

package drives

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

func TestFactoryRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), "dropbox",
		json.RawMessage(`{}`), limits.NewLimiter(nil))
	require.ErrorContains(t, err, `unsupported drive type "dropbox"`)
}

func TestTypesAreStable(t *testing.T) {
	require.Equal(t, []string{"gcs", "s3", "webdav"}, Types())
}

func TestJoinRemote(t *testing.T) {
	var cases = []struct {
		prefix, name, want string
	}{
		{"", "a.mkv", "a.mkv"},
		{"media", "a.mkv", "media/a.mkv"},
		{"/media/", "/shows/a.mkv", "media/shows/a.mkv"},
		{"media", "", "media/"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, joinRemote(tc.prefix, tc.name),
			"joinRemote(%q, %q)", tc.prefix, tc.name)
	}
}

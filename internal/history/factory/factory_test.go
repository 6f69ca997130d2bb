package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelwatch/internal/history"
	"github.com/loykin/tunnelwatch/internal/history/opensearch"
	"github.com/loykin/tunnelwatch/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch DSN", "opensearch://localhost:9200/tunnel-logs", false},
		{"Elasticsearch DSN", "elasticsearch://localhost:9200/events", false},
		{"OpenSearch without host", "opensearch:///idx", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path DSN", filepath.Join(t.TempDir(), "bare.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			CloseSinks([]history.Sink{sink})
		})
	}
}

func TestFactoryPicksSinkType(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	defer CloseSinks([]history.Sink{s})
	_, ok := s.(*sqlite.Sink)
	assert.True(t, ok)

	s, err = NewSinkFromDSN("elasticsearch://es:9200/x")
	require.NoError(t, err)
	_, ok = s.(*opensearch.Sink)
	assert.True(t, ok)
}

func TestUnsupportedDSNRedactsPassword(t *testing.T) {
	_, err := NewSinkFromDSN("mysql://root:hunter2@db:3306/x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestClickHouseOptions(t *testing.T) {
	opts, err := clickHouseOptions("clickhouse://alice:s3cret@ch:9440/metrics?table=tunnels")
	require.NoError(t, err)
	assert.Equal(t, "ch:9440", opts.Addr)
	assert.Equal(t, "metrics", opts.Database)
	assert.Equal(t, "alice", opts.Username)
	assert.Equal(t, "s3cret", opts.Password)
	assert.Equal(t, "tunnels", opts.Table)

	opts, err = clickHouseOptions("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", opts.Addr)
	assert.Empty(t, opts.Table, "sink applies its own default table")
}

func TestOpenSearchTarget(t *testing.T) {
	cases := []struct {
		dsn, base, index string
	}{
		{"opensearch://localhost:9200/tunnel-logs", "http://localhost:9200", "tunnel-logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", ""},
		{"opensearch://os.internal:9200/logs?tls=true", "https://os.internal:9200", "logs"},
		{"elasticsearch://u:p@es:9200/events", "http://u:p@es:9200", "events"},
	}
	for _, c := range cases {
		base, index, err := openSearchTarget(c.dsn)
		require.NoError(t, err, c.dsn)
		assert.Equal(t, c.base, base, c.dsn)
		assert.Equal(t, c.index, index, c.dsn)
	}
}

func TestNewSinksSkipsFailures(t *testing.T) {
	out := NewSinks([]string{"sqlite://:memory:", "bogus://x", "opensearch://localhost:9200"}, nil)
	require.Len(t, out, 2)
	_, ok := out[0].(*sqlite.Sink)
	assert.True(t, ok)
	CloseSinks(out)

	assert.Empty(t, NewSinks(nil, nil))
}

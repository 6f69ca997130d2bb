package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	e := New("")
	cases := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"banner", "2024-01-01T00:00:00Z INF |  https://quiet-lake-1234.trycloudflare.com  |", "https://quiet-lake-1234.trycloudflare.com", true},
		{"leftmost", "a https://one.trycloudflare.com b https://two.trycloudflare.com", "https://one.trycloudflare.com", true},
		{"mixed case label", "see https://MiXeD-Case.trycloudflare.com", "https://MiXeD-Case.trycloudflare.com", true},
		{"none", "INF Starting tunnel", "", false},
		{"plain http", "http://abc.trycloudflare.com", "", false},
		{"upper scheme", "HTTPS://abc.trycloudflare.com", "", false},
		{"doubled separator", "https://abc..trycloudflare.com", "", false},
		{"other domain", "https://abc.example.com", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := e.Extract(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.Empty(t, e.Current(), "Extract must not record the URL")
}

func TestExtract_CustomSuffixIsQuoted(t *testing.T) {
	e := New("example-suffix.com")
	got, ok := e.Extract("url https://abc-1.example-suffix.com ready")
	require.True(t, ok)
	assert.Equal(t, "https://abc-1.example-suffix.com", got)

	_, ok = e.Extract("https://abc-1.exampleXsuffix.com")
	assert.False(t, ok, "dots in the suffix are literal")
}

func TestIsNewURL(t *testing.T) {
	e := New("")
	assert.True(t, e.IsNewURL("https://a.trycloudflare.com"), "first URL is new")
	assert.False(t, e.IsNewURL("https://a.trycloudflare.com"))
	assert.False(t, e.IsNewURL("https://a.trycloudflare.com"))
	assert.True(t, e.IsNewURL("https://b.trycloudflare.com"))
	assert.True(t, e.IsNewURL("https://a.trycloudflare.com"), "returning to a previous URL counts as a change")
	assert.Equal(t, "https://a.trycloudflare.com", e.Current())

	e.Reset()
	assert.Empty(t, e.Current())
	assert.True(t, e.IsNewURL("https://a.trycloudflare.com"))
}

func TestStreamScenario(t *testing.T) {
	e := New("example-suffix.com")
	lines := []string{
		"noise",
		"https://abc-1.example-suffix.com",
		"https://abc-1.example-suffix.com",
		"https://abc-2.example-suffix.com",
	}
	var fired []string
	for _, l := range lines {
		if u, ok := e.Extract(l); ok && e.IsNewURL(u) {
			fired = append(fired, u)
		}
	}
	assert.Equal(t, []string{"https://abc-1.example-suffix.com", "https://abc-2.example-suffix.com"}, fired)
}

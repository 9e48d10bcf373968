package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"search": {
				"command": "npx",
				"args": ["-y", "@acme/search-server"],
				"env": {"API_KEY": "k"},
				"timeout": 5000,
				"maxRetries": 2,
				"rateLimit": 10
			},
			"files": {"command": "files-server", "framing": "content-length"},
			"old": {"command": "old-server", "disabled": true}
		}
	}`)
	servers, err := Parse(data, ".json")
	require.NoError(t, err)
	require.Len(t, servers, 2, "disabled entries must be dropped")

	// Sorted by name.
	require.Equal(t, "files", servers[0].Name)
	require.Equal(t, "search", servers[1].Name)

	search := servers[1]
	require.Equal(t, "npx", search.Command)
	require.Equal(t, []string{"-y", "@acme/search-server"}, search.Args)
	require.Equal(t, "k", search.Env["API_KEY"])
	require.Equal(t, 5*time.Second, search.Timeout())
	require.Equal(t, 2, search.Retries())
	require.Equal(t, 10.0, search.RateLimit)

	require.Equal(t, FramingContentLength, servers[0].EffectiveFraming())
	require.Equal(t, FramingLine, search.EffectiveFraming())
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
mcpServers:
  search:
    command: npx
    args: ["-y", "@acme/search-server"]
    timeout: 5000
`)
	servers, err := Parse(data, ".yaml")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "search", servers[0].Name)
	require.Equal(t, 5*time.Second, servers[0].Timeout())
}

func TestParseDefaults(t *testing.T) {
	servers, err := Parse([]byte(`{"mcpServers": {"s": {"command": "c"}}}`), ".json")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	s := servers[0]
	require.Equal(t, DefaultTimeout, s.Timeout())
	require.Equal(t, DefaultMaxRetries, s.Retries())
	require.Equal(t, FramingLine, s.EffectiveFraming())
	require.Zero(t, s.RateLimit)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		srv  Server
		want string
	}{
		{"missing name", Server{Command: "c"}, "name is required"},
		{"missing command", Server{Name: "s"}, "command is required"},
		{"bad transport", Server{Name: "s", Command: "c", Transport: "carrier-pigeon"}, "unknown transport"},
		{"bad framing", Server{Name: "s", Command: "c", Framing: "morse"}, "unknown framing"},
		{"timeout too small", Server{Name: "s", Command: "c", TimeoutMS: 500}, "timeout must be at least"},
		{"negative rate limit", Server{Name: "s", Command: "c", RateLimit: -1}, "rateLimit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorContains(t, tc.srv.Validate(), tc.want)
		})
	}
}

func TestParseRejectsInvalidEntry(t *testing.T) {
	_, err := Parse([]byte(`{"mcpServers": {"s": {"args": ["x"]}}}`), ".json")
	require.ErrorContains(t, err, "command is required")
}

func TestLoadSelectsDecoderByExtension(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"mcpServers": {"a": {"command": "c"}}}`), 0o600))
	servers, err := Load(jsonPath)
	require.NoError(t, err)
	require.Len(t, servers, 1)

	yamlPath := filepath.Join(dir, "servers.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("mcpServers:\n  b:\n    command: c\n"), 0o600))
	servers, err = Load(yamlPath)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "b", servers[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorContains(t, err, "read config")
}

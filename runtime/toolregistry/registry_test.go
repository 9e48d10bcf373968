package toolregistry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Search terms."},
		"limit": {"type": "integer"}
	},
	"required": ["query"]
}`)

func def(serverID, name string, schema json.RawMessage) Definition {
	return Definition{
		ServerID:    serverID,
		Name:        name,
		Description: name + " tool",
		InputSchema: schema,
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("search", "web", searchSchema)))

	tool, ok := r.Get("search/web")
	require.True(t, ok)
	require.Equal(t, "search/web", tool.Key)
	require.Equal(t, "web", tool.Name)
	require.False(t, tool.RegisteredAt.IsZero())
	require.Zero(t, tool.UsageCount)

	_, ok = r.Get("search/missing")
	require.False(t, ok)
}

func TestRegistryRegisterRequiresIdentity(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.Error(t, r.Register(ctx, Definition{Name: "web"}))
	require.Error(t, r.Register(ctx, Definition{ServerID: "search"}))
}

func TestRegistryReRegisterPreservesStats(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("search", "web", searchSchema)))
	require.NoError(t, r.UpdateUsage("search/web", 100*time.Millisecond))

	updated := def("search", "web", searchSchema)
	updated.Description = "improved"
	require.NoError(t, r.Register(ctx, updated))

	tool, ok := r.Get("search/web")
	require.True(t, ok)
	require.Equal(t, "improved", tool.Description)
	require.Equal(t, int64(1), tool.UsageCount)
	require.Equal(t, 100*time.Millisecond, tool.AverageExecutionTime)
}

func TestRegistryUpdateUsageRunningAverage(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("srv", "tool", nil)))

	require.NoError(t, r.UpdateUsage("srv/tool", 100*time.Millisecond))
	tool, _ := r.Get("srv/tool")
	require.Equal(t, 100*time.Millisecond, tool.AverageExecutionTime, "first sample seeds the average")

	require.NoError(t, r.UpdateUsage("srv/tool", 300*time.Millisecond))
	tool, _ = r.Get("srv/tool")
	require.Equal(t, 200*time.Millisecond, tool.AverageExecutionTime, "(100ms + 300ms) / 2")

	require.NoError(t, r.UpdateUsage("srv/tool", 400*time.Millisecond))
	tool, _ = r.Get("srv/tool")
	require.Equal(t, 300*time.Millisecond, tool.AverageExecutionTime, "(200ms + 400ms) / 2")
	require.Equal(t, int64(3), tool.UsageCount)
	require.False(t, tool.LastUsed.IsZero())

	require.ErrorIs(t, r.UpdateUsage("srv/unknown", time.Second), ErrToolNotFound)
}

func TestRegistryValidateArguments(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("search", "web", searchSchema)))

	require.NoError(t, r.ValidateArguments("search/web", json.RawMessage(`{"query":"go"}`)))
	require.NoError(t, r.ValidateArguments("search/web", json.RawMessage(`{"query":"go","limit":5}`)))

	err := r.ValidateArguments("search/web", json.RawMessage(`{"limit":5}`))
	require.Error(t, err, "missing required property must be rejected")

	err = r.ValidateArguments("search/web", json.RawMessage(`{"query":42}`))
	require.Error(t, err, "wrong type must be rejected")

	err = r.ValidateArguments("search/web", json.RawMessage(`{not json`))
	require.ErrorContains(t, err, "decode arguments")

	require.ErrorIs(t, r.ValidateArguments("search/missing", nil), ErrToolNotFound)
}

func TestRegistryValidateWithoutSchema(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("srv", "free", nil)))
	require.NoError(t, r.ValidateArguments("srv/free", json.RawMessage(`{"anything":true}`)))
	require.NoError(t, r.ValidateArguments("srv/free", nil))
}

func TestRegistryBadSchemaDisablesValidation(t *testing.T) {
	r := New()
	ctx := context.Background()
	bad := def("srv", "broken", json.RawMessage(`{invalid`))
	require.NoError(t, r.Register(ctx, bad), "a malformed schema must not fail registration")
	require.NoError(t, r.ValidateArguments("srv/broken", json.RawMessage(`{"whatever":1}`)))
}

func TestRegistryEmptyArgumentsDefaultToObject(t *testing.T) {
	r := New()
	ctx := context.Background()
	noRequired := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	require.NoError(t, r.Register(ctx, def("srv", "opt", noRequired)))
	require.NoError(t, r.ValidateArguments("srv/opt", nil))

	require.NoError(t, r.Register(ctx, def("srv", "strict", searchSchema)))
	require.Error(t, r.ValidateArguments("srv/strict", nil), "empty arguments still fail required checks")
}

func TestRegistryReplaceServer(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("search", "web", searchSchema)))
	require.NoError(t, r.Register(ctx, def("search", "news", nil)))
	require.NoError(t, r.Register(ctx, def("files", "read", nil)))
	require.NoError(t, r.UpdateUsage("search/web", 100*time.Millisecond))

	require.NoError(t, r.ReplaceServer(ctx, "search", []Definition{
		def("search", "web", searchSchema),
		def("search", "images", nil),
	}))

	// Dropped tool is gone, new tool present, other servers untouched.
	_, ok := r.Get("search/news")
	require.False(t, ok)
	_, ok = r.Get("search/images")
	require.True(t, ok)
	_, ok = r.Get("files/read")
	require.True(t, ok)

	// Stats carry over for tools surviving the refresh.
	tool, ok := r.Get("search/web")
	require.True(t, ok)
	require.Equal(t, int64(1), tool.UsageCount)
	require.Equal(t, 100*time.Millisecond, tool.AverageExecutionTime)

	require.Equal(t, 2, r.CountForServer("search"))
	require.Equal(t, 3, r.Count())
}

func TestRegistryReplaceServerRejectsMismatch(t *testing.T) {
	r := New()
	err := r.ReplaceServer(context.Background(), "search", []Definition{def("files", "read", nil)})
	require.Error(t, err)
}

func TestRegistryForServerSorted(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("srv", "zeta", nil)))
	require.NoError(t, r.Register(ctx, def("srv", "alpha", nil)))
	require.NoError(t, r.Register(ctx, def("other", "tool", nil)))

	tools := r.ForServer("srv")
	require.Len(t, tools, 2)
	require.Equal(t, "srv/alpha", tools[0].Key)
	require.Equal(t, "srv/zeta", tools[1].Key)

	all := r.All()
	require.Len(t, all, 3)
	require.Equal(t, "other/tool", all[0].Key)
}

func TestRegistryRemoveServerAndClear(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("srv", "a", nil)))
	require.NoError(t, r.Register(ctx, def("srv", "b", nil)))
	require.NoError(t, r.Register(ctx, def("other", "c", nil)))

	require.Equal(t, 2, r.RemoveServer("srv"))
	require.Equal(t, 1, r.Count())
	require.Zero(t, r.RemoveServer("srv"))

	r.Clear()
	require.Zero(t, r.Count())
}

func TestPromptCatalog(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, def("search", "web", searchSchema)))
	plain := def("files", "list", nil)
	plain.Description = "Lists files."
	require.NoError(t, r.Register(ctx, plain))

	catalog := r.PromptCatalog()
	require.True(t, len(catalog) > 0)
	require.Contains(t, catalog, "# Available Tools\n")

	// Sections sorted by key: files/list before search/web.
	filesAt := indexOf(t, catalog, "## files_list")
	searchAt := indexOf(t, catalog, "## search_web")
	require.Less(t, filesAt, searchAt)

	require.Contains(t, catalog, "Lists files.\n")
	require.Contains(t, catalog, "<search_web>\n")
	require.Contains(t, catalog, "</search_web>\n")
	require.Contains(t, catalog, "<query>string, required: Search terms.</query>\n")
	require.Contains(t, catalog, "<limit>integer, optional</limit>\n")

	// Required parameters come first in the usage template.
	queryAt := indexOf(t, catalog, "<query>")
	limitAt := indexOf(t, catalog, "<limit>")
	require.Less(t, queryAt, limitAt)

	// A tool without a schema still renders an empty usage template.
	require.Contains(t, catalog, "<files_list>\n</files_list>\n")
}

func TestPromptCatalogEmpty(t *testing.T) {
	r := New()
	require.Equal(t, "# Available Tools\n", r.PromptCatalog())
}

func indexOf(t *testing.T, s, sub string) int {
	t.Helper()
	idx := strings.Index(s, sub)
	require.GreaterOrEqual(t, idx, 0, "catalog must contain %q", sub)
	return idx
}

package doctor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIdentity(t *testing.T, root, fileName string, b paneBinding) string {
	t.Helper()
	dir := panesDir(root)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, fileName)
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestOrphanIdentityCheckFindsDeadPane(t *testing.T) {
	root := t.TempDir()
	writeIdentity(t, root, "pane-1.identity", paneBinding{PaneID: "pane-1", AgentName: "alice"})
	writeIdentity(t, root, "pane-2.identity", paneBinding{PaneID: "pane-2", AgentName: "bob"})

	ctx := &CheckContext{Root: root, LivePanes: map[string]bool{"pane-1": true}, ActiveName: map[string]bool{}}
	check := NewOrphanIdentityCheck()
	result := check.Run(ctx)

	assert.Equal(t, StatusWarning, result.Status)
	assert.Equal(t, []string{"pane-2.identity"}, result.Details)
}

func TestOrphanIdentityCheckFixArchives(t *testing.T) {
	root := t.TempDir()
	path := writeIdentity(t, root, "pane-2.identity", paneBinding{PaneID: "pane-2", AgentName: "bob"})

	ctx := &CheckContext{Root: root, LivePanes: map[string]bool{}, ActiveName: map[string]bool{}}
	check := NewOrphanIdentityCheck()
	check.Run(ctx)
	require.NoError(t, check.Fix(ctx))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".stale")
	assert.NoError(t, err)
}

func TestOrphanIdentityCheckAllLiveIsOK(t *testing.T) {
	root := t.TempDir()
	writeIdentity(t, root, "pane-1.identity", paneBinding{PaneID: "pane-1"})

	ctx := &CheckContext{Root: root, LivePanes: map[string]bool{"pane-1": true}, ActiveName: map[string]bool{}}
	result := NewOrphanIdentityCheck().Run(ctx)
	assert.Equal(t, StatusOK, result.Status)
}

func TestDeadPIDCheckFindsDeadPane(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(pidsDir(root), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pidsDir(root), "pane-x.agent-name"), []byte("carol"), 0644))

	ctx := &CheckContext{Root: root, LivePanes: map[string]bool{}, ActiveName: map[string]bool{}}
	check := NewDeadPIDCheck()
	result := check.Run(ctx)

	assert.Equal(t, StatusWarning, result.Status)
	require.Len(t, result.Details, 1)
	assert.Equal(t, "pane-x.agent-name", result.Details[0])

	require.NoError(t, check.Fix(ctx))
	_, err := os.Stat(filepath.Join(pidsDir(root), "pane-x.agent-name"))
	assert.True(t, os.IsNotExist(err))
}

func TestDuplicatePendingCheckDedupes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(reservePendingDir(root), 0755))

	k1, err := json.Marshal([]pendingEntry{
		{Key: "k1", Holder: "alice", Path: "/a", Requester: "carol"},
		{Key: "k1", Holder: "alice", Path: "/a", Requester: "carol"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(reservePendingDir(root), "k1.pending"), k1, 0644))

	k2, err := json.Marshal([]pendingEntry{
		{Key: "k2", Holder: "bob", Path: "/b", Requester: "dave"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(reservePendingDir(root), "k2.pending"), k2, 0644))

	ctx := &CheckContext{Root: root}
	check := NewDuplicatePendingCheck()
	result := check.Run(ctx)
	assert.Equal(t, StatusWarning, result.Status)

	require.NoError(t, check.Fix(ctx))

	raw, err := os.ReadFile(filepath.Join(reservePendingDir(root), "k1.pending"))
	require.NoError(t, err)
	var after []pendingEntry
	require.NoError(t, json.Unmarshal(raw, &after))
	assert.Len(t, after, 1)

	raw2, err := os.ReadFile(filepath.Join(reservePendingDir(root), "k2.pending"))
	require.NoError(t, err)
	var after2 []pendingEntry
	require.NoError(t, json.Unmarshal(raw2, &after2))
	assert.Len(t, after2, 1)
}

func TestDuplicatePendingCheckNoStoreIsOK(t *testing.T) {
	root := t.TempDir()
	result := NewDuplicatePendingCheck().Run(&CheckContext{Root: root})
	assert.Equal(t, StatusOK, result.Status)
}

func TestStaleBindingCheckFindsUnregisteredAgent(t *testing.T) {
	root := t.TempDir()
	writeIdentity(t, root, "pane-1.identity", paneBinding{PaneID: "pane-1", AgentName: "ghost"})

	ctx := &CheckContext{Root: root, LivePanes: map[string]bool{"pane-1": true}, ActiveName: map[string]bool{"alice": true}}
	check := NewStaleBindingCheck()
	result := check.Run(ctx)

	assert.Equal(t, StatusWarning, result.Status)
	require.NoError(t, check.Fix(ctx))

	entries, err := os.ReadDir(panesDir(root))
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

func TestDoctorRunAggregatesSummary(t *testing.T) {
	root := t.TempDir()
	d := NewDoctor()
	d.RegisterAll(AllChecks()...)

	ctx := &CheckContext{Root: root, LivePanes: map[string]bool{}, ActiveName: map[string]bool{}}
	report := d.Run(ctx)

	assert.Equal(t, len(AllChecks()), report.Summary.Total)
	assert.False(t, report.HasErrors())
}

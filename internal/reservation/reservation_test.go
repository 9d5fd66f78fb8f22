package reservation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/mailclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	notified []string
}

func (f *fakeMessenger) Notify(agent, subject, body string) error {
	f.notified = append(f.notified, agent)
	return nil
}

type rpcCall struct {
	Method string
	Params json.RawMessage
}

// newStubServer runs a JSON-RPC 2.0 server that dispatches to handlers by
// method name, recording every call it receives.
func newStubServer(t *testing.T, handlers map[string]func(json.RawMessage) any) (*httptest.Server, *[]rpcCall) {
	t.Helper()
	var calls []rpcCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls = append(calls, rpcCall{Method: req.Method, Params: req.Params})

		h, ok := handlers[req.Method]
		if !ok {
			t.Fatalf("unexpected rpc call: %s", req.Method)
		}
		result := h(req.Params)
		resultJSON, err := json.Marshal(result)
		require.NoError(t, err)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(resultJSON)}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSlugNormalizes(t *testing.T) {
	assert.Equal(t, "my-project-v2", Slug("My Project!! v2"))
	assert.Equal(t, "trimmed", Slug("--trimmed--"))
}

func TestOverlapsPrefixAndWildcard(t *testing.T) {
	assert.True(t, Overlaps("repoA", "/src", "repoA", "/src/file.go"))
	assert.True(t, Overlaps("*", "/src", "repoB", "/src"))
	assert.False(t, Overlaps("repoA", "/src", "repoB", "/src"))
	assert.False(t, Overlaps("repoA", "/src", "repoA", "/other"))
}

func TestReserveSucceedsWithNoConflicts(t *testing.T) {
	srv, calls := newStubServer(t, map[string]func(json.RawMessage) any{
		"file_reservation_paths": func(json.RawMessage) any {
			return mailclient.FileReservationResult{ReservationIDs: []string{"r1"}}
		},
	})
	mail := mailclient.New(srv.URL, "")
	msgr := &fakeMessenger{}
	client := New(t.TempDir(), mail, msgr, "proj", 0, 0, false)

	result, err := client.Reserve(context.Background(), "alice", []string{"/src"}, 0, "editing")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, result.ReservationIDs)
	assert.Len(t, *calls, 1)
}

func TestReserveCrossAgentConflictNotifiesAndRecordsPending(t *testing.T) {
	srv, _ := newStubServer(t, map[string]func(json.RawMessage) any{
		"file_reservation_paths": func(json.RawMessage) any {
			return mailclient.FileReservationResult{
				Conflicts: []mailclient.ReservationConflict{{Holder: "bob", Path: "/src", ResID: "r9"}},
			}
		},
	})
	mail := mailclient.New(srv.URL, "")
	msgr := &fakeMessenger{}
	root := t.TempDir()
	client := New(root, mail, msgr, "proj", 0, 0, false)

	_, err := client.Reserve(context.Background(), "alice", []string{"/src"}, 0, "editing")
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.Conflict, kind)
	assert.Contains(t, msgr.notified, "bob")

	entries, err := client.loadPendingFile(pendingKey("bob", "/src"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Holder)
	assert.Equal(t, "alice", entries[0].Requester)
}

func TestReserveSelfConflictAutoReleaseRetries(t *testing.T) {
	attempt := 0
	srv, _ := newStubServer(t, map[string]func(json.RawMessage) any{
		"file_reservation_paths": func(json.RawMessage) any {
			attempt++
			if attempt == 1 {
				return mailclient.FileReservationResult{
					SelfConflicts: []mailclient.ReservationConflict{{Holder: "alice", Path: "/src", ResID: "old"}},
				}
			}
			return mailclient.FileReservationResult{ReservationIDs: []string{"new"}}
		},
		"release_file_reservations": func(json.RawMessage) any {
			return map[string]any{"released_paths": []string{"/src"}}
		},
	})
	mail := mailclient.New(srv.URL, "")
	client := New(t.TempDir(), mail, &fakeMessenger{}, "proj", 0, 0, true)

	result, err := client.Reserve(context.Background(), "alice", []string{"/src"}, 0, "editing")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, result.ReservationIDs)
	assert.Equal(t, 2, attempt)
}

func TestReserveSelfConflictWithoutAutoReleaseFails(t *testing.T) {
	srv, _ := newStubServer(t, map[string]func(json.RawMessage) any{
		"file_reservation_paths": func(json.RawMessage) any {
			return mailclient.FileReservationResult{
				SelfConflicts: []mailclient.ReservationConflict{{Holder: "alice", Path: "/src", ResID: "old"}},
			}
		},
	})
	mail := mailclient.New(srv.URL, "")
	client := New(t.TempDir(), mail, &fakeMessenger{}, "proj", 0, 0, false)

	_, err := client.Reserve(context.Background(), "alice", []string{"/src"}, 0, "editing")
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.Conflict, kind)
}

func TestReleaseFlushesPendingRequesters(t *testing.T) {
	srv, _ := newStubServer(t, map[string]func(json.RawMessage) any{
		"release_file_reservations": func(json.RawMessage) any {
			return map[string]any{"released_paths": []string{"/src"}}
		},
	})
	mail := mailclient.New(srv.URL, "")
	msgr := &fakeMessenger{}
	client := New(t.TempDir(), mail, msgr, "proj", 0, 0, false)

	require.NoError(t, client.addPending("bob", "", "/src", "alice", "waiting"))

	released, err := client.Release(context.Background(), "bob", nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src"}, released)
	assert.Contains(t, msgr.notified, "alice")

	entries, err := client.loadPendingFile(pendingKey("bob", "/src"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddPendingDeduplicatesByRequester(t *testing.T) {
	client := New(t.TempDir(), nil, &fakeMessenger{}, "proj", 0, 0, false)

	require.NoError(t, client.addPending("bob", "", "/src", "alice", "r1"))
	require.NoError(t, client.addPending("bob", "", "/src", "alice", "r2"))

	entries, err := client.loadPendingFile(pendingKey("bob", "/src"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "same (holder, path, requester) should dedupe regardless of reason")
}

func TestAddPendingKeepsDistinctRequestersForSameKey(t *testing.T) {
	client := New(t.TempDir(), nil, &fakeMessenger{}, "proj", 0, 0, false)

	require.NoError(t, client.addPending("bob", "", "/src", "alice", "r1"))
	require.NoError(t, client.addPending("bob", "", "/src", "carol", "r2"))

	entries, err := client.loadPendingFile(pendingKey("bob", "/src"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "distinct requesters waiting on the same (holder, path) must both be kept")
}

func TestWarnExpiringSortsByExpiry(t *testing.T) {
	now := time.Now()
	srv, _ := newStubServer(t, map[string]func(json.RawMessage) any{
		"read_resource": func(json.RawMessage) any {
			return map[string]any{"reservations": []Record{
				{Agent: "alice", Path: "/a", ExpiresAt: now.Add(10 * time.Minute)},
				{Agent: "alice", Path: "/b", ExpiresAt: now.Add(2 * time.Minute)},
				{Agent: "bob", Path: "/c", ExpiresAt: now.Add(1 * time.Minute)},
			}}
		},
	})
	mail := mailclient.New(srv.URL, "")
	client := New(t.TempDir(), mail, &fakeMessenger{}, "proj", 0, 15*time.Minute, false)

	expiring, err := client.WarnExpiring(context.Background(), "alice", now)
	require.NoError(t, err)
	require.Len(t, expiring, 2)
	assert.Equal(t, "/b", expiring[0].Path, "earlier expiry sorts first")
	assert.Equal(t, "/a", expiring[1].Path)
}

// Package reservation implements the Reservation Client: advisory file
// locks brokered by the external mail/reservation service, with the
// prefix-overlap conflict semantics and PendingRequester notification
// protocol the control plane needs to keep concurrent agents from
// trampling each other's edits.
package reservation

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/mailclient"
	"github.com/foreman-fleet/foreman/internal/util"
)

// DefaultTTL and DefaultWarnThreshold are the spec's stated policy values;
// config may override both.
const (
	DefaultTTL           = 1800 * time.Second
	DefaultWarnThreshold = 900 * time.Second
)

// Messenger is the slice of the Broadcast Router the Reservation Client
// needs to notify conflicting holders and queued requesters. Decoupled by
// interface so this package doesn't import broadcast (which itself may
// want to release/check reservations on teardown).
type Messenger interface {
	Notify(agent, subject, body string) error
}

// Record is one reservation as reported by the mail/reservation service.
type Record struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Repo      string    `json:"repo"`
	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns how long until the reservation expires, relative to now.
func (r Record) Remaining(now time.Time) time.Duration { return r.ExpiresAt.Sub(now) }

// Client is the Reservation Client, scoped to one project.
type Client struct {
	root                string
	mail                *mailclient.Client
	msgr                Messenger
	projectKey          string
	ttl                 time.Duration
	warnThreshold       time.Duration
	autoReleaseOwnStale bool
}

// New creates a reservation client. ttl and warnThreshold fall back to the
// spec's defaults when zero.
func New(root string, mail *mailclient.Client, msgr Messenger, projectKey string, ttl, warnThreshold time.Duration, autoReleaseOwnStale bool) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if warnThreshold <= 0 {
		warnThreshold = DefaultWarnThreshold
	}
	return &Client{root: root, mail: mail, msgr: msgr, projectKey: projectKey,
		ttl: ttl, warnThreshold: warnThreshold, autoReleaseOwnStale: autoReleaseOwnStale}
}

// Slug renders a project root path the way the mail service expects it:
// lowercase, non-alphanumeric runs collapsed to a single dash.
func Slug(path string) string {
	lower := strings.ToLower(path)
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func pathOverlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func repoOverlaps(a, b string) bool {
	return a == "*" || b == "*" || a == b
}

// Overlaps reports whether two (repo, path) patterns conflict per the
// prefix-overlap rule: equal, one a prefix of the other, or a `*:` wildcard
// repo.
func Overlaps(repoA, pathA, repoB, pathB string) bool {
	return repoOverlaps(repoA, repoB) && pathOverlaps(pathA, pathB)
}

// --- reserve / request / check ---

// Reserve attempts to hold paths for agent. On a self-conflict it
// auto-releases the agent's own older overlapping reservations first when
// configured to, then retries once. A surviving self-conflict yields
// ferrors.SelfConflict; an unresolved cross-agent conflict notifies every
// unique holder, records a PendingRequester per requester, and yields
// ferrors.CrossAgentConflict — both map to the stable exit-code contract.
func (c *Client) Reserve(ctx context.Context, agent string, paths []string, ttl time.Duration, reason string) (*mailclient.FileReservationResult, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	result, err := c.reserveOnce(ctx, agent, paths, ttl, reason)
	if err != nil {
		return nil, err
	}

	if len(result.SelfConflicts) > 0 && c.autoReleaseOwnStale {
		var staleIDs []string
		for _, sc := range result.SelfConflicts {
			staleIDs = append(staleIDs, sc.ResID)
		}
		if _, err := c.mail.ReleaseFileReservations(ctx, c.projectKey, agent, staleIDs, nil, false); err == nil {
			result, err = c.reserveOnce(ctx, agent, paths, ttl, reason)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(result.SelfConflicts) > 0 {
		return result, ferrors.NewConflict(ferrors.SelfConflict,
			fmt.Sprintf("%s already holds an overlapping reservation", agent))
	}

	if len(result.Conflicts) > 0 {
		c.handleCrossAgentConflict(agent, paths, reason, result.Conflicts)
		return result, ferrors.NewConflict(ferrors.CrossAgentConflict,
			fmt.Sprintf("paths held by %d other agent(s)", countUniqueHolders(result.Conflicts)))
	}

	return result, nil
}

func (c *Client) reserveOnce(ctx context.Context, agent string, paths []string, ttl time.Duration, reason string) (*mailclient.FileReservationResult, error) {
	return c.mail.FileReservationPaths(ctx, mailclient.FileReservationParams{
		ProjectKey: c.projectKey,
		Agent:      agent,
		Paths:      paths,
		TTLSeconds: int(ttl.Seconds()),
		Exclusive:  true,
		Reason:     reason,
	})
}

func countUniqueHolders(conflicts []mailclient.ReservationConflict) int {
	seen := map[string]bool{}
	for _, conf := range conflicts {
		seen[conf.Holder] = true
	}
	return len(seen)
}

// handleCrossAgentConflict notifies each unique holder and records the
// requester in the PendingRequester store, best-effort: a notification
// failure is swallowed since the conflict is still correctly reported to
// the caller via the returned error.
func (c *Client) handleCrossAgentConflict(requester string, paths []string, reason string, conflicts []mailclient.ReservationConflict) {
	notified := map[string]bool{}
	for _, conf := range conflicts {
		if !notified[conf.Holder] {
			subject := "file reservation conflict"
			body := fmt.Sprintf("%s wants %s (reason: %s), which you hold.", requester, conf.Path, reason)
			_ = c.msgr.Notify(conf.Holder, subject, body)
			notified[conf.Holder] = true
		}
		_ = c.addPending(conf.Holder, "", conf.Path, requester, reason)
	}
	_ = paths
}

// Request records interest in path without attempting to reserve it,
// notifying the current holder (if any) so they know someone is waiting.
func (c *Client) Request(ctx context.Context, agent, path, reason string) error {
	records, err := c.resourceReservations(ctx, "")
	if err != nil {
		return err
	}

	var holder string
	for _, r := range records {
		if pathOverlaps(r.Path, path) {
			holder = r.Agent
			break
		}
	}
	if holder == "" {
		return ferrors.Newf(ferrors.NotFound, "no current holder for %q", path)
	}
	if holder == agent {
		return ferrors.Newf(ferrors.InvalidInput, "%s already holds %q", agent, path)
	}

	_ = c.msgr.Notify(holder, "file requested", fmt.Sprintf("%s wants %s (reason: %s)", agent, path, reason))
	return c.addPending(holder, "", path, agent, reason)
}

// Check reports which, if any, existing reservations overlap paths.
func (c *Client) Check(ctx context.Context, paths []string) ([]Record, error) {
	records, err := c.resourceReservations(ctx, "")
	if err != nil {
		return nil, err
	}
	var matches []Record
	for _, r := range records {
		for _, p := range paths {
			if pathOverlaps(r.Path, p) {
				matches = append(matches, r)
				break
			}
		}
	}
	return matches, nil
}

// --- release / renew ---

// Release releases reservations by explicit id, by path, or all of agent's
// reservations, then fires queued PendingRequester notifications for every
// released path.
func (c *Client) Release(ctx context.Context, agent string, ids, paths []string, all bool) ([]string, error) {
	released, err := c.mail.ReleaseFileReservations(ctx, c.projectKey, agent, ids, paths, all)
	if err != nil {
		return nil, err
	}
	for _, p := range released {
		c.flushPending(agent, p)
	}
	return released, nil
}

// ReleaseAll releases every reservation agent holds. It satisfies the
// spawner package's Releaser interface so Teardown can cascade-release.
func (c *Client) ReleaseAll(agent string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	released, err := c.Release(ctx, agent, nil, nil, true)
	return len(released), err
}

// HasActive reports whether agent currently holds any reservation. It
// satisfies the spawner package's Releaser interface for teardown
// pre-checks.
func (c *Client) HasActive(agent string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	records, err := c.resourceReservations(ctx, "")
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Agent == agent {
			return true, nil
		}
	}
	return false, nil
}

// Renew extends agent's named reservations by extendSeconds. A failed
// renewal is opportunistic per the concurrency model: callers should not
// treat it as fatal, only surface it via warn-expiring on the next check.
func (c *Client) Renew(ctx context.Context, agent string, ids []string, extendSeconds int) error {
	return c.mail.RenewFileReservations(ctx, c.projectKey, agent, ids, extendSeconds)
}

// --- list / warn-expiring ---

// List returns agent's own reservations.
func (c *Client) List(ctx context.Context, agent string) ([]Record, error) {
	records, err := c.resourceReservations(ctx, "")
	if err != nil {
		return nil, err
	}
	var own []Record
	for _, r := range records {
		if r.Agent == agent {
			own = append(own, r)
		}
	}
	return own, nil
}

// ListAll returns every reservation visible for a product (cross-repo
// view), or the project's own reservations if productUID is empty.
func (c *Client) ListAll(ctx context.Context, productUID string) ([]Record, error) {
	return c.resourceReservations(ctx, productUID)
}

// WarnExpiring lists agent's reservations whose remaining time is within
// the warn threshold.
func (c *Client) WarnExpiring(ctx context.Context, agent string, now time.Time) ([]Record, error) {
	own, err := c.List(ctx, agent)
	if err != nil {
		return nil, err
	}
	var expiring []Record
	for _, r := range own {
		if r.Remaining(now) <= c.warnThreshold {
			expiring = append(expiring, r)
		}
	}
	sort.Slice(expiring, func(i, j int) bool { return expiring[i].ExpiresAt.Before(expiring[j].ExpiresAt) })
	return expiring, nil
}

func (c *Client) resourceReservations(ctx context.Context, productUID string) ([]Record, error) {
	uri := "resource://file_reservations/" + Slug(c.projectKey)
	if productUID != "" {
		uri = "resource://file_reservations/product/" + productUID
	}
	var out struct {
		Reservations []Record `json:"reservations"`
	}
	if err := c.mail.Resource(ctx, uri, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

// --- PendingRequester store ---
//
// Per the filesystem-layout contract, pending requesters live one file per
// (holder, path) key under .beads/reserve-pending/, not a single combined
// store: .beads/reserve-pending/<md5(holder|path)[:12]>.pending. A single
// key can still queue more than one requester (several agents waiting on
// the same held path), so each file holds a small JSON array, deduplicated
// by requester.

type pendingEntry struct {
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	Repo      string `json:"repo"`
	Path      string `json:"path"`
	Requester string `json:"requester"`
	Reason    string `json:"reason"`
}

func (c *Client) reservePendingDir() string {
	return filepath.Join(c.root, ".beads", "reserve-pending")
}

// pendingKey implements the spec's md5(holder|path)[:12] key, naming the
// per-(holder,path) pending file.
func pendingKey(holder, path string) string {
	sum := md5.Sum([]byte(holder + "|" + path))
	return hex.EncodeToString(sum[:])[:12]
}

func (c *Client) pendingFilePath(key string) string {
	return filepath.Join(c.reservePendingDir(), key+".pending")
}

func (c *Client) loadPendingFile(key string) ([]pendingEntry, error) {
	data, err := os.ReadFile(c.pendingFilePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []pendingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) savePendingFile(key string, entries []pendingEntry) error {
	if len(entries) == 0 {
		err := os.Remove(c.pendingFilePath(key))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(c.reservePendingDir(), 0755); err != nil {
		return err
	}
	return util.AtomicWriteJSON(c.pendingFilePath(key), entries)
}

// addPending records requester as waiting on (holder, path), deduplicating
// by requester within the (holder, path) key's file.
func (c *Client) addPending(holder, repo, path, requester, reason string) error {
	key := pendingKey(holder, path)
	entries, err := c.loadPendingFile(key)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Requester == requester {
			return nil // already recorded
		}
	}
	entries = append(entries, pendingEntry{
		Key: key, Holder: holder, Repo: repo, Path: path, Requester: requester, Reason: reason,
	})
	return c.savePendingFile(key, entries)
}

// flushPending notifies and removes every PendingRequester entry whose
// holder is agent and whose path overlaps releasedPath, exactly once each.
// Since the key is keyed only on (holder, path), a released path can match
// several pending files (a broader release overlapping narrower pending
// paths), so every file in the store is scanned.
func (c *Client) flushPending(agent, releasedPath string) {
	entries, err := os.ReadDir(c.reservePendingDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pending") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".pending")
		pending, err := c.loadPendingFile(key)
		if err != nil {
			continue
		}
		var remaining []pendingEntry
		for _, p := range pending {
			if p.Holder == agent && pathOverlaps(p.Path, releasedPath) {
				_ = c.msgr.Notify(p.Requester, "file available",
					fmt.Sprintf("%s released %s, which you asked about.", agent, p.Path))
				continue
			}
			remaining = append(remaining, p)
		}
		if len(remaining) != len(pending) {
			_ = c.savePendingFile(key, remaining)
		}
	}
}

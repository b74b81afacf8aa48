package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/backoffice/internal/clock"
	"github.com/jmcleod/backoffice/storage"
	"github.com/jmcleod/backoffice/storage/memory"
)

func newTestTrail(t *testing.T) (*Trail, *memory.Repository, *clock.FakeClock) {
	t.Helper()
	repo := memory.NewRepository()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewTrail(repo, WithClock(fake)), repo, fake
}

func appendN(t *testing.T, trail *Trail, fake *clock.FakeClock, n int) []Entry {
	t.Helper()
	var out []Entry
	for i := 0; i < n; i++ {
		e, err := trail.Append(context.Background(), Entry{
			Event:      "login_success",
			UserID:     fmt.Sprintf("user-%d", i%2),
			Email:      fmt.Sprintf("user-%d@example.com", i%2),
			RemoteAddr: "203.0.113.7",
			Attrs:      map[string]string{"role": "agent"},
		})
		require.NoError(t, err)
		out = append(out, e)
		fake.Advance(time.Second)
	}
	return out
}

func checkStatus(r Report, name string) string {
	for _, c := range r.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

func tamper(t *testing.T, repo storage.Repository, id string, edit func(*Entry)) {
	t.Helper()
	ctx := context.Background()
	env, err := repo.Get(ctx, Namespace, entryRecordType, id)
	require.NoError(t, err)
	var e Entry
	require.NoError(t, storage.DecodePlain(env, &e))
	edit(&e)
	env, err = storage.PlainRecord(e, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, Namespace, entryRecordType, id, env))
}

func TestAppendLinksEntries(t *testing.T) {
	trail, _, fake := newTestTrail(t)
	entries := appendN(t, trail, fake, 3)

	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash(), entries[2].PrevHash)
	assert.Equal(t, "2026-03-01T09:00:00Z", entries[0].CreatedAt)

	listed, err := trail.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, entries, listed)

	report, err := trail.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid, "%+v", report.Checks)
	assert.Equal(t, 3, report.EntryCount)
	assert.Equal(t, StatusPass, checkStatus(report, "head_matches"))
}

func TestAppendRequiresEvent(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	_, err := trail.Append(context.Background(), Entry{UserID: "u"})
	assert.Error(t, err)
}

func TestListFilters(t *testing.T) {
	trail, _, fake := newTestTrail(t)
	entries := appendN(t, trail, fake, 5)
	_, err := trail.Append(context.Background(), Entry{Event: "logout", UserID: "user-0"})
	require.NoError(t, err)

	ctx := context.Background()
	byUser, err := trail.List(ctx, Filter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, []Entry{entries[1], entries[3]}, byUser)

	byEvent, err := trail.List(ctx, Filter{Event: "logout"})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "user-0", byEvent[0].UserID)

	latest, err := trail.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, entries[4], latest[0])
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(t *testing.T, repo storage.Repository, entries []Entry)
		failCheck string
	}{
		{
			name: "edited middle entry",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[1].ID, func(e *Entry) { e.Event = "logout" })
			},
			failCheck: "chain_continuity",
		},
		{
			name: "edited email",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[1].ID, func(e *Entry) { e.Email = "someone@example.com" })
			},
			failCheck: "chain_continuity",
		},
		{
			name: "edited remote address",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[0].ID, func(e *Entry) { e.RemoteAddr = "198.51.100.1" })
			},
			failCheck: "chain_continuity",
		},
		{
			name: "edited attribute",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[2].ID, func(e *Entry) { e.Attrs["role"] = "admin" })
			},
			failCheck: "chain_continuity",
		},
		{
			name: "dropped attributes",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[1].ID, func(e *Entry) { e.Attrs = nil })
			},
			failCheck: "chain_continuity",
		},
		{
			name: "edited last entry",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[3].ID, func(e *Entry) { e.UserID = "someone-else" })
			},
			failCheck: "head_matches",
		},
		{
			name: "removed middle entry",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				require.NoError(t, repo.Delete(context.Background(), Namespace, entryRecordType, entries[2].ID))
			},
			failCheck: "chain_continuity",
		},
		{
			name: "truncated tail",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				require.NoError(t, repo.Delete(context.Background(), Namespace, entryRecordType, entries[3].ID))
			},
			failCheck: "head_matches",
		},
		{
			name: "replaced genesis",
			mutate: func(t *testing.T, repo storage.Repository, entries []Entry) {
				tamper(t, repo, entries[0].ID, func(e *Entry) { e.PrevHash = entries[0].Hash() })
			},
			failCheck: "genesis_anchor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trail, repo, fake := newTestTrail(t)
			entries := appendN(t, trail, fake, 4)
			tt.mutate(t, repo, entries)

			report, err := trail.Verify(context.Background())
			require.NoError(t, err)
			assert.False(t, report.Valid)
			assert.Equal(t, StatusFail, checkStatus(report, tt.failCheck))
			failures, _ := report.Counts()
			assert.GreaterOrEqual(t, failures, 1)
		})
	}
}

func TestEntryHashFieldBoundaries(t *testing.T) {
	base := Entry{
		ID:        "01A",
		PrevHash:  GenesisHash,
		CreatedAt: "2026-03-01T10:00:00Z",
		Event:     "logout",
		UserID:    "u-1",
	}
	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"event and user shifted", func(e *Entry) { e.Event, e.UserID = "logou", "tu-1" }},
		{"user and email shifted", func(e *Entry) { e.UserID, e.Email = "u-", "1" }},
		{"attribute key and value shifted", func(e *Entry) { e.Attrs = map[string]string{"ab": "c"} }},
		{"attribute split across keys", func(e *Entry) { e.Attrs = map[string]string{"a": "", "b": "c"} }},
	}
	withAttr := base
	withAttr.Attrs = map[string]string{"a": "bc"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base
			tt.mutate(&e)
			assert.NotEqual(t, base.Hash(), e.Hash())
			assert.NotEqual(t, withAttr.Hash(), e.Hash())
		})
	}

	t.Run("attribute order does not matter", func(t *testing.T) {
		a, b := base, base
		a.Attrs = map[string]string{"role": "agent", "reason": "idle"}
		b.Attrs = map[string]string{"reason": "idle", "role": "agent"}
		assert.Equal(t, a.Hash(), b.Hash())
	})
	t.Run("nil and empty attributes match", func(t *testing.T) {
		e := base
		e.Attrs = map[string]string{}
		assert.Equal(t, base.Hash(), e.Hash())
	})
}

func TestVerifyEntriesEmptyAndSkew(t *testing.T) {
	empty := VerifyEntries(nil)
	assert.True(t, empty.Valid)
	assert.Equal(t, StatusPass, checkStatus(empty, "empty_chain"))

	first := Entry{ID: "01A", Event: "login_success", CreatedAt: "2026-03-01T10:00:00Z", PrevHash: GenesisHash}
	second := Entry{ID: "01B", Event: "logout", CreatedAt: "2026-03-01T09:59:00Z", PrevHash: first.Hash()}
	report := VerifyEntries([]Entry{first, second})
	assert.True(t, report.Valid, "clock skew only warns")
	assert.Equal(t, StatusWarn, checkStatus(report, "monotonic_timestamps"))
	_, warnings := report.Counts()
	assert.Equal(t, 1, warnings)

	report = VerifyEntries([]Entry{second, first})
	assert.False(t, report.Valid)
	assert.Equal(t, StatusFail, checkStatus(report, "unique_ordered_ids"))
}

func TestConcurrentAppends(t *testing.T) {
	trail, _, _ := newTestTrail(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := trail.Append(context.Background(), Entry{Event: "session_extended"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := trail.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid, "%+v", report.Checks)
	assert.Equal(t, 20, report.EntryCount)
}

func TestTwoWritersShareChain(t *testing.T) {
	repo := memory.NewRepository()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	a := NewTrail(repo, WithClock(fake))
	b := NewTrail(repo, WithClock(fake))

	ctx := context.Background()
	for i, w := range []*Trail{a, b, a, b} {
		_, err := w.Append(ctx, Entry{Event: fmt.Sprintf("event-%d", i)})
		require.NoError(t, err)
		fake.Advance(time.Millisecond)
	}

	report, err := a.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, "%+v", report.Checks)
	assert.Equal(t, 4, report.EntryCount)
}

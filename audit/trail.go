// Package audit records session lifecycle events in a tamper-evident
// trail and forwards them to an external collector.
//
// Each entry carries the SHA-256 link of its predecessor, so removing or
// editing an entry breaks the chain from that point on. A head record
// holds the last link and is updated with compare-and-swap in the same
// batch as the entry it points to.
package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmcleod/backoffice/internal/clock"
	"github.com/jmcleod/backoffice/storage"
)

const (
	// Namespace holds the trail's records.
	Namespace = "__audit"

	entryRecordType = "ENTRY"
	headRecordType  = "HEAD"
	headRecordID    = "current"

	// GenesisHash is the prev_hash of the first entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	maxAppendAttempts = 5
)

// ErrChainContention is returned when Append keeps losing the head CAS to
// concurrent writers.
var ErrChainContention = errors.New("audit chain contention")

// Entry is one recorded event.
type Entry struct {
	ID         string            `json:"id"`
	Event      string            `json:"event"`
	UserID     string            `json:"user_id,omitempty"`
	Email      string            `json:"email,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	CreatedAt  string            `json:"created_at"`
	PrevHash   string            `json:"prev_hash"`
}

// Hash returns the link that the next entry must carry as PrevHash. It
// covers every field. Each string is written with a 4-byte big-endian
// length prefix, in the order id, prev_hash, created_at, event, user_id,
// email, remote_addr, followed by the attribute count and the attributes
// as key/value pairs sorted by key.
func (e Entry) Hash() string {
	h := sha256.New()
	var n [4]byte
	write := func(s string) {
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		io.WriteString(h, s)
	}
	for _, f := range []string{e.ID, e.PrevHash, e.CreatedAt, e.Event, e.UserID, e.Email, e.RemoteAddr} {
		write(f)
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	binary.BigEndian.PutUint32(n[:], uint32(len(keys)))
	h.Write(n[:])
	for _, k := range keys {
		write(k)
		write(e.Attrs[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

type head struct {
	LastID   string `json:"last_id"`
	LastHash string `json:"last_hash"`
	Count    int    `json:"count"`
}

// Trail is the hash-chained event log. Safe for concurrent use.
type Trail struct {
	repo  storage.Repository
	clock clock.Clock

	mu      sync.Mutex
	entropy io.Reader
}

// TrailOption configures a Trail.
type TrailOption func(*Trail)

// WithClock sets the time source for entry IDs and timestamps.
func WithClock(c clock.Clock) TrailOption {
	return func(t *Trail) { t.clock = c }
}

// NewTrail returns a trail stored in repo.
func NewTrail(repo storage.Repository, opts ...TrailOption) *Trail {
	t := &Trail{
		repo:    repo,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	return t
}

// Append assigns e an ID, timestamp and chain link and stores it.
func (t *Trail) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Event == "" {
		return Entry{}, errors.New("audit event is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		h, version, err := t.loadHead(ctx)
		if err != nil {
			return Entry{}, err
		}

		now := t.clock.Now().UTC()
		id, err := ulid.New(ulid.Timestamp(now), t.entropy)
		if err != nil {
			return Entry{}, fmt.Errorf("generating entry ID: %w", err)
		}
		e.ID = id.String()
		e.CreatedAt = now.Format(time.RFC3339Nano)
		e.PrevHash = GenesisHash
		if h.LastHash != "" {
			e.PrevHash = h.LastHash
		}

		entryEnv, err := storage.PlainRecord(e, 0)
		if err != nil {
			return Entry{}, err
		}
		headEnv, err := storage.PlainRecord(head{LastID: e.ID, LastHash: e.Hash(), Count: h.Count + 1}, version+1)
		if err != nil {
			return Entry{}, err
		}
		err = t.repo.Batch(ctx, Namespace, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(headRecordType, headRecordID, version, headEnv); err != nil {
				return err
			}
			return tx.Put(entryRecordType, e.ID, entryEnv)
		})
		if errors.Is(err, storage.ErrCASFailed) {
			// Another process appended first.
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("appending audit entry: %w", err)
		}
		return e, nil
	}
	return Entry{}, ErrChainContention
}

func (t *Trail) loadHead(ctx context.Context) (head, uint64, error) {
	env, err := t.repo.Get(ctx, Namespace, headRecordType, headRecordID)
	if errors.Is(err, storage.ErrNotFound) {
		return head{}, 0, nil
	}
	if err != nil {
		return head{}, 0, fmt.Errorf("loading audit head: %w", err)
	}
	var h head
	if err := storage.DecodePlain(env, &h); err != nil {
		return head{}, 0, err
	}
	return h, env.Version, nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	UserID string
	Event  string
	// Limit keeps only the most recent entries.
	Limit int
}

// List returns entries in chain order, oldest first.
func (t *Trail) List(ctx context.Context, f Filter) ([]Entry, error) {
	all, err := t.entries(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Event != "" && e.Event != f.Event {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (t *Trail) entries(ctx context.Context) ([]Entry, error) {
	ids, err := t.repo.List(ctx, Namespace, entryRecordType)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	// ULIDs sort in creation order.
	sort.Strings(ids)
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		env, err := t.repo.Get(ctx, Namespace, entryRecordType, id)
		if err != nil {
			return nil, fmt.Errorf("reading audit entry %s: %w", id, err)
		}
		var e Entry
		if err := storage.DecodePlain(env, &e); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Verify checks the stored chain and its head record.
func (t *Trail) Verify(ctx context.Context) (Report, error) {
	entries, err := t.entries(ctx)
	if err != nil {
		return Report{}, err
	}
	h, _, err := t.loadHead(ctx)
	if err != nil {
		return Report{}, err
	}
	report := VerifyEntries(entries)
	report.addHeadCheck(h, entries)
	return report, nil
}

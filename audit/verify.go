package audit

import (
	"fmt"
	"time"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// Report is the result of verifying a chain.
type Report struct {
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (r *Report) add(name, status, detail string) {
	if status == StatusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

// Counts returns the number of failed and warning checks.
func (r Report) Counts() (failures, warnings int) {
	for _, c := range r.Checks {
		switch c.Status {
		case StatusFail:
			failures++
		case StatusWarn:
			warnings++
		}
	}
	return failures, warnings
}

// VerifyEntries checks entries given in chain order: genesis anchor,
// link continuity, unique and ordered IDs, and timestamp ordering.
// Out-of-order timestamps only warn since clocks can step backwards.
func VerifyEntries(entries []Entry) Report {
	r := Report{EntryCount: len(entries), Valid: true}
	if len(entries) == 0 {
		r.add("empty_chain", StatusPass, "no entries to verify")
		return r
	}

	if entries[0].PrevHash == GenesisHash {
		r.add("genesis_anchor", StatusPass, "")
	} else {
		r.add("genesis_anchor", StatusFail,
			fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	broken := ""
	for i := 1; i < len(entries); i++ {
		if want := entries[i-1].Hash(); entries[i].PrevHash != want {
			broken = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s",
				i, entries[i].ID, entries[i].PrevHash, want)
			break
		}
	}
	if broken == "" {
		r.add("chain_continuity", StatusPass, fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		r.add("chain_continuity", StatusFail, broken)
	}

	ordered := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			ordered = fmt.Sprintf("entry %d (id=%s) does not sort after entry %d", i, entries[i].ID, i-1)
			break
		}
	}
	if ordered == "" {
		r.add("unique_ordered_ids", StatusPass, "")
	} else {
		r.add("unique_ordered_ids", StatusFail, ordered)
	}

	var prev time.Time
	unparsed := 0
	skew := ""
	for i, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			unparsed++
			continue
		}
		if !prev.IsZero() && ts.Before(prev) && skew == "" {
			skew = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
		}
		prev = ts
	}
	switch {
	case skew != "":
		r.add("monotonic_timestamps", StatusWarn, skew)
	case unparsed > 0:
		r.add("monotonic_timestamps", StatusWarn, fmt.Sprintf("%d timestamps could not be parsed", unparsed))
	default:
		r.add("monotonic_timestamps", StatusPass, "")
	}
	return r
}

// addHeadCheck catches truncation of the chain's tail, which the link
// checks alone cannot see.
func (r *Report) addHeadCheck(h head, entries []Entry) {
	if len(entries) == 0 {
		if h.Count == 0 {
			r.add("head_matches", StatusPass, "")
		} else {
			r.add("head_matches", StatusFail, fmt.Sprintf("head records %d entries but none are stored", h.Count))
		}
		return
	}
	last := entries[len(entries)-1]
	switch {
	case h.LastID != last.ID:
		r.add("head_matches", StatusFail, fmt.Sprintf("head points at %s, last stored entry is %s", h.LastID, last.ID))
	case h.LastHash != last.Hash():
		r.add("head_matches", StatusFail, "last entry hash differs from head")
	case h.Count != len(entries):
		r.add("head_matches", StatusFail, fmt.Sprintf("head records %d entries, found %d", h.Count, len(entries)))
	default:
		r.add("head_matches", StatusPass, "")
	}
}

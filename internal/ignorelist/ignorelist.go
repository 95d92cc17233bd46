// Package ignorelist implements the per-user persisted set of message UIDs
// previously determined to be "not for me" (encrypted to a different
// device), spec.md §3's Ignore list and §4.11's operations.
//
// Ground truth for the pruning rule: original_source/libditm/ditm.c's
// ignore_list_load/_write/_add/_should_ignore. An entry only survives a
// write if it was "seen" (looked up via Seen, or added via Add) since the
// list was loaded; entries a write kept stay marked seen for later writes.
// A loaded entry nobody asked about during this run silently drops out,
// matching the original's seen-flag bookkeeping exactly.
package ignorelist

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// List is a loaded ignore list, ready for lookups and additions.
type List struct {
	mu      sync.Mutex
	entries []string
	seen    []bool
}

// Load reads path (a JSON array of UID strings) into a List. A missing
// file is not an error — it yields an empty list, matching the original's
// recovery from E_OPEN/E_OS. A malformed file is likewise recovered from
// (empty list) rather than failing the caller, matching the original's
// recovery from E_PARAM and "incorrect format" wrong-root-type checks.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &List{}, nil
		}
		return &List{}, nil
	}

	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return &List{}, nil
	}

	return &List{
		entries: entries,
		seen:    make([]bool, len(entries)),
	}, nil
}

// Seen reports whether uid is on the ignore list, and if so marks it as
// seen so it survives the next Save. This is the direct analogue of
// ignore_list_should_ignore: the side effect (marking seen) happens only
// when uid is present; a miss changes nothing.
func (l *List) Seen(uid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == uid {
			l.seen[i] = true
			return true
		}
	}
	return false
}

// Add appends uid to the ignore list, marked seen immediately so it
// survives the very next Save even though it was never looked up via Seen.
func (l *List) Add(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, uid)
	l.seen = append(l.seen, true)
}

// Save writes only the entries marked seen since Load to path as a JSON
// array. It then prunes the in-memory list to match what it wrote and
// leaves those entries marked seen, so a later Save writes them again.
func (l *List) Save(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]string, 0, len(l.entries))
	for i, e := range l.entries {
		if l.seen[i] {
			kept = append(kept, e)
		}
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("marshal ignore list: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	l.entries = kept
	l.seen = make([]bool, len(kept))
	for i := range l.seen {
		l.seen[i] = true
	}
	return nil
}

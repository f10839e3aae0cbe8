// Package draft keeps unsent input and not-yet-confirmed messages per
// (thread, dialog version) in a local Pebble store, so they survive reloads.
//
// The store is a best-effort shadow of the authoritative message log: a
// draft whose content already appears as committed is discarded on load
// rather than trusted.
package draft

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	pkgerrors "github.com/pkg/errors"
)

// PendingMessage is a message sent from the UI but not yet confirmed.
type PendingMessage struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the draft of one (thread, dialog version).
type State struct {
	ThreadID        string           `json:"thread_id"`
	DialogVersion   int              `json:"dialog_version"`
	InputText       string           `json:"input_text"`
	PendingMessages []PendingMessage `json:"pending_messages,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (s *State) empty() bool {
	return strings.TrimSpace(s.InputText) == "" && len(s.PendingMessages) == 0
}

// Committed is the part of a committed message needed for reconciliation.
type Committed struct {
	ID      string
	Role    string
	Content string
}

// Option configures Open.
type Option func(*pebble.Options)

// WithFS runs the store on fs, e.g. vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *pebble.Options) { o.FS = fs }
}

// Cache is the Pebble-backed draft store.
type Cache struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens (or creates) the store in dir.
func Open(dir string, opts ...Option) (*Cache, error) {
	o := &pebble.Options{}
	for _, fn := range opts {
		fn(o)
	}
	if o.FS == nil {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, pkgerrors.Wrapf(err, "create draft dir %s", dir)
		}
	}
	db, err := pebble.Open(dir, o)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open draft store %s", dir)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Close releases the store.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func threadPrefix(threadID string) string { return "draft:" + threadID + ":" }

// Key is the storage key of a (thread, dialog version) draft.
func Key(threadID string, version int) []byte {
	return []byte(threadPrefix(threadID) + strconv.Itoa(version))
}

// Save stores the draft of (threadID, version). Saving an empty draft
// removes it: absence means no unsent draft.
func (c *Cache) Save(threadID string, version int, st State) error {
	st.ThreadID, st.DialogVersion = threadID, version
	if st.empty() {
		return c.Clear(threadID, version)
	}
	st.UpdatedAt = c.now().UTC()
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return pkgerrors.Wrap(c.db.Set(Key(threadID, version), b, pebble.Sync), "save draft")
}

// Load returns the draft of (threadID, version), or nil if none exists.
func (c *Cache) Load(threadID string, version int) (*State, error) {
	v, closer, err := c.db.Get(Key(threadID, version))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load draft")
	}
	defer closer.Close()

	var st State
	if err := json.Unmarshal(v, &st); err != nil {
		return nil, pkgerrors.Wrap(err, "decode draft")
	}
	return &st, nil
}

// Clear removes the draft of (threadID, version).
func (c *Cache) Clear(threadID string, version int) error {
	return pkgerrors.Wrap(c.db.Delete(Key(threadID, version), pebble.Sync), "clear draft")
}

// ClearThread removes every draft of a thread.
func (c *Cache) ClearThread(threadID string) error {
	start := []byte(threadPrefix(threadID))
	end := []byte("draft:" + threadID + ";") // ';' sorts right after ':'
	return pkgerrors.Wrap(c.db.DeleteRange(start, end, pebble.Sync), "clear thread drafts")
}

// Versions lists the dialog versions of a thread that have a draft.
func (c *Cache) Versions(threadID string) ([]int, error) {
	prefix := threadPrefix(threadID)
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte("draft:" + threadID + ";"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []int
	for ok := it.First(); ok; ok = it.Next() {
		v, err := strconv.Atoi(strings.TrimPrefix(string(it.Key()), prefix))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, it.Error()
}

// LoadReconciled loads the draft of (threadID, version) and drops what the
// committed messages already contain: pending messages whose id (or role and
// content) was committed, and input text equal to the latest committed user
// message. A draft left empty is deleted and nil is returned.
func (c *Cache) LoadReconciled(threadID string, version int, committed []Committed) (*State, error) {
	st, err := c.Load(threadID, version)
	if err != nil || st == nil {
		return st, err
	}

	ids := make(map[string]bool, len(committed))
	bodies := make(map[string]bool, len(committed))
	lastUser := ""
	for _, m := range committed {
		ids[m.ID] = true
		bodies[m.Role+"\x00"+strings.TrimSpace(m.Content)] = true
		if m.Role == "user" {
			lastUser = strings.TrimSpace(m.Content)
		}
	}

	changed := false
	kept := st.PendingMessages[:0]
	for _, p := range st.PendingMessages {
		if (p.ID != "" && ids[p.ID]) || bodies[p.Role+"\x00"+strings.TrimSpace(p.Content)] {
			changed = true
			continue
		}
		kept = append(kept, p)
	}
	st.PendingMessages = kept
	if in := strings.TrimSpace(st.InputText); in != "" && in == lastUser {
		st.InputText = ""
		changed = true
	}

	if st.empty() {
		return nil, c.Clear(threadID, version)
	}
	if changed {
		if err := c.Save(threadID, version, *st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

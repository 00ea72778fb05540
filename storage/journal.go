package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhbwallet/core/types"
)

var fragmentPrefix = []byte("frag/")

// JournalEntry is the persisted record of one submitted fragment.
type JournalEntry struct {
	ID          types.FragmentID     `json:"id"`
	Kind        string               `json:"kind"`
	Backend     string               `json:"backend,omitempty"`
	Counter     uint32               `json:"counter"`
	HasCounter  bool                 `json:"has_counter"`
	Debit       types.Value          `json:"debit"`
	ValidUntil  *types.BlockDate     `json:"valid_until,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
	Status      types.FragmentStatus `json:"status"`
	ResolvedAt  *time.Time           `json:"resolved_at,omitempty"`
}

// Journal keeps an audit trail of submissions and their outcomes.
type Journal struct {
	mu sync.Mutex
	db Database
}

func NewJournal(db Database) *Journal {
	return &Journal{db: db}
}

func fragmentKey(id types.FragmentID) []byte {
	return append(append([]byte(nil), fragmentPrefix...), id.String()...)
}

// RecordSubmitted stores entry as Pending, replacing any earlier record.
func (j *Journal) RecordSubmitted(entry JournalEntry) error {
	entry.Status = types.Pending()
	entry.ResolvedAt = nil
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.put(entry)
}

// RecordResolved stores the terminal status of a journaled fragment.
// Unknown ids are recorded with only the status.
func (j *Journal) RecordResolved(id types.FragmentID, status types.FragmentStatus, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, err := j.get(id)
	if errors.Is(err, ErrNotFound) {
		entry = JournalEntry{ID: id}
	} else if err != nil {
		return err
	}
	entry.Status = status
	resolved := at.UTC()
	entry.ResolvedAt = &resolved
	return j.put(entry)
}

func (j *Journal) Get(id types.FragmentID) (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.get(id)
}

// List returns every journaled fragment ordered by id.
func (j *Journal) List() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []JournalEntry
	err := j.db.Iterate(fragmentPrefix, func(key, value []byte) error {
		var entry JournalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode journal entry %s: %w", key, err)
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}

// Unresolved returns journaled fragments still recorded as Pending.
func (j *Journal) Unresolved() ([]JournalEntry, error) {
	all, err := j.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, entry := range all {
		if !entry.Status.IsTerminal() {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) get(id types.FragmentID) (JournalEntry, error) {
	raw, err := j.db.Get(fragmentKey(id))
	if err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return JournalEntry{}, fmt.Errorf("decode journal entry %s: %w", id, err)
	}
	return entry, nil
}

func (j *Journal) put(entry JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Put(fragmentKey(entry.ID), raw)
}

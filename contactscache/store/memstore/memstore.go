// Package memstore is an in-memory Store backend for unit tests, with
// a snapshot-and-rollback transaction implementation. It is grounded
// in the teacher's imap/imaptest in-memory stand-ins (spilldb's tests
// exercise real logic against a throwaway store the same way).
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/autotech-aaos/contactscache/contactscache/model"
	"github.com/autotech-aaos/contactscache/contactscache/store"
)

type row struct {
	payload model.ContactPayload
	deleted bool
	localUpdatedMs int64
}

// Store is a process-local, mutex-guarded Store implementation.
type Store struct {
	mu sync.Mutex

	contacts   map[string]map[string]*row
	syncStates map[string]model.SyncState

	activeTx *tx

	snapContacts   map[string]map[string]*row
	snapSyncStates map[string]model.SyncState
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		contacts:   make(map[string]map[string]*row),
		syncStates: make(map[string]model.SyncState),
	}
}

type tx struct {
	s      *Store
	closed bool
}

func (t *tx) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.closed || t.s.activeTx != t {
		return store.ErrTxClosed
	}
	t.closed = true
	t.s.activeTx = nil
	t.s.snapContacts = nil
	t.s.snapSyncStates = nil
	return nil
}

func (t *tx) Rollback() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.s.activeTx == t {
		t.s.contacts = t.s.snapContacts
		t.s.syncStates = t.s.snapSyncStates
		t.s.activeTx = nil
		t.s.snapContacts = nil
		t.s.snapSyncStates = nil
	}
	return nil
}

func cloneContacts(in map[string]map[string]*row) map[string]map[string]*row {
	out := make(map[string]map[string]*row, len(in))
	for src, rows := range in {
		inner := make(map[string]*row, len(rows))
		for id, r := range rows {
			cp := *r
			inner[id] = &cp
		}
		out[src] = inner
	}
	return out
}

func cloneSyncStates(in map[string]model.SyncState) map[string]model.SyncState {
	out := make(map[string]model.SyncState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Store) BeginTransaction(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTx != nil {
		return nil, store.ErrNestedTransaction
	}
	s.snapContacts = cloneContacts(s.contacts)
	s.snapSyncStates = cloneSyncStates(s.syncStates)
	t := &tx{s: s}
	s.activeTx = t
	return t, nil
}

func (s *Store) requireActive(t store.Tx) error {
	if t == nil {
		return store.ErrWriteOutsideTransaction
	}
	concrete, ok := t.(*tx)
	if !ok || s.activeTx != concrete || concrete.closed {
		return store.ErrWriteOutsideTransaction
	}
	return nil
}

func (s *Store) UpsertContact(ctx context.Context, t store.Tx, sourceDevice string, payload model.ContactPayload, nowMs int64) (model.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(t); err != nil {
		return 0, err
	}

	rows := s.contacts[sourceDevice]
	if rows == nil {
		rows = make(map[string]*row)
		s.contacts[sourceDevice] = rows
	}

	existing, ok := rows[payload.ExternalContactID]
	if !ok {
		rows[payload.ExternalContactID] = &row{
			payload:        payload,
			deleted:        false,
			localUpdatedMs: nowMs,
		}
		return model.Inserted, nil
	}

	if payload.SourceVersion < existing.payload.SourceVersion {
		return model.StaleIgnored, nil
	}
	if payload.SourceVersion == existing.payload.SourceVersion &&
		payload.SourceLastModifiedMs < existing.payload.SourceLastModifiedMs {
		return model.StaleIgnored, nil
	}

	if !existing.deleted && payloadEqual(existing.payload, payload) {
		return model.Unchanged, nil
	}

	existing.payload = payload
	existing.deleted = false
	existing.localUpdatedMs = nowMs
	return model.Updated, nil
}

func payloadEqual(a, b model.ContactPayload) bool {
	if a.DisplayName != b.DisplayName ||
		a.AvatarETag != b.AvatarETag ||
		a.SourceVersion != b.SourceVersion ||
		a.SourceLastModifiedMs != b.SourceLastModifiedMs {
		return false
	}
	return stringsEqual(a.Phones, b.Phones) && stringsEqual(a.Emails, b.Emails)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) MarkDeleted(ctx context.Context, t store.Tx, sourceDevice string, ids []string, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(t); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	rows := s.contacts[sourceDevice]
	if rows == nil {
		return 0, nil
	}
	count := 0
	for _, id := range ids {
		r, ok := rows[id]
		if !ok || r.deleted {
			continue
		}
		r.deleted = true
		r.localUpdatedMs = nowMs
		count++
	}
	return count, nil
}

func (s *Store) MarkMissingDeleted(ctx context.Context, t store.Tx, sourceDevice string, liveIDs []string, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(t); err != nil {
		return 0, err
	}
	rows := s.contacts[sourceDevice]
	if rows == nil {
		return 0, nil
	}
	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}
	count := 0
	for id, r := range rows {
		if r.deleted {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		r.deleted = true
		r.localUpdatedMs = nowMs
		count++
	}
	return count, nil
}

func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoffMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rows := range s.contacts {
		for id, r := range rows {
			if r.deleted && r.localUpdatedMs < cutoffMs {
				delete(rows, id)
				count++
			}
		}
	}
	return count, nil
}

func (s *Store) ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.CachedContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.contacts[sourceDevice]
	prefix := strings.ToLower(namePrefix)

	out := make([]model.CachedContact, 0, len(rows))
	for id, r := range rows {
		if r.deleted {
			continue
		}
		if prefix != "" && !strings.HasPrefix(strings.ToLower(r.payload.DisplayName), prefix) {
			continue
		}
		out = append(out, toCachedContact(sourceDevice, id, r))
	}

	sort.Slice(out, func(i, j int) bool {
		ni := strings.ToLower(out[i].DisplayName)
		nj := strings.ToLower(out[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return out[i].ExternalContactID < out[j].ExternalContactID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toCachedContact(sourceDevice, id string, r *row) model.CachedContact {
	return model.CachedContact{
		SourceDevice:         sourceDevice,
		ExternalContactID:    id,
		DisplayName:          r.payload.DisplayName,
		Phones:               append([]string(nil), r.payload.Phones...),
		Emails:               append([]string(nil), r.payload.Emails...),
		AvatarETag:           r.payload.AvatarETag,
		SourceVersion:        r.payload.SourceVersion,
		SourceLastModifiedMs: r.payload.SourceLastModifiedMs,
		LocalUpdatedMs:       r.localUpdatedMs,
	}
}

func (s *Store) GetSyncState(ctx context.Context, sourceDevice string) (model.SyncState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.syncStates[sourceDevice]
	return st, ok, nil
}

func (s *Store) UpsertSyncState(ctx context.Context, t store.Tx, sourceDevice string, lastFullSyncMs int64, lastSyncToken string, lastSourceSyncSequence int64, cacheSchemaVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(t); err != nil {
		return err
	}
	s.syncStates[sourceDevice] = model.SyncState{
		SourceDevice:           sourceDevice,
		LastFullSyncMs:         lastFullSyncMs,
		LastSyncToken:          lastSyncToken,
		LastSourceSyncSequence: lastSourceSyncSequence,
		CacheSchemaVersion:     cacheSchemaVersion,
	}
	return nil
}

func (s *Store) CountActiveContacts(ctx context.Context, sourceDevice string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.contacts[sourceDevice]
	count := 0
	for _, r := range rows {
		if !r.deleted {
			count++
		}
	}
	return count, nil
}

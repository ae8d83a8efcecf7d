// Package sync is the contact synchronization engine: the orchestrator
// that validates incoming sync metadata, drives normalization and
// dedupe, opens a store transaction, applies insert/update/delete
// operations, updates sync state, and commits or aborts. Ported from
// the reference ContactSyncEngine.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autotech-aaos/contactscache/contactscache/model"
	"github.com/autotech-aaos/contactscache/contactscache/normalize"
	"github.com/autotech-aaos/contactscache/contactscache/ratelimit"
	"github.com/autotech-aaos/contactscache/contactscache/store"
)

// cacheSchemaVersion is the fixed schema version the engine stamps
// into every sync-state row it writes.
const cacheSchemaVersion = 1

// Clock supplies the current time in epoch milliseconds, injected so
// tests can pin it.
type Clock func() int64

// SystemClock is the default Clock, backed by time.Now.
func SystemClock() int64 { return time.Now().UnixMilli() }

// Log is a single structured log line, following spilldb/db.Log: one
// JSON object per call, no external logging dependency.
type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	msg := fmt.Sprintf("{%q: %q, %q: %q, %q: %q", "where", l.Where, "what", l.What, "when", l.When.Format(time.RFC3339Nano))
	msg += fmt.Sprintf(`, "duration": %q`, l.Duration.String())
	if l.Err != nil {
		msg += fmt.Sprintf(`, "err": %q`, l.Err.Error())
	}
	for k, v := range l.Data {
		if s, ok := v.(string); ok {
			msg += fmt.Sprintf(`, %q: %q`, k, s)
			continue
		}
		msg += fmt.Sprintf(`, %q: %v`, k, v)
	}
	return msg + "}"
}

// Engine is the contact sync orchestrator. Apart from the per-source
// rejection counts kept by the optional Throttle, it holds no mutable
// state between calls: Store owns all persisted state and locking,
// Limits and Clock are immutable for the engine's lifetime.
type Engine struct {
	Store  store.Store
	Limits model.CacheLimits
	Clock  Clock

	// Throttle backs off sources that repeatedly trigger
	// SyncRejected, so a retry-looping adapter does not spin the
	// store. Optional; nil disables throttling.
	Throttle *ratelimit.Limiter

	// Logf receives one line per sync call. Defaults to a no-op.
	Logf func(format string, v ...interface{})
}

// New returns an Engine with production defaults and the system clock.
func New(s store.Store) *Engine {
	return &Engine{
		Store:  s,
		Limits: model.ProductionDefaults(),
		Clock:  SystemClock,
		Logf:   func(string, ...interface{}) {},
	}
}

func (e *Engine) logf(format string, v ...interface{}) {
	if e.Logf != nil {
		e.Logf(format, v...)
	}
}

func (e *Engine) now() int64 {
	if e.Clock != nil {
		return e.Clock()
	}
	return SystemClock()
}

type normalizationResult struct {
	contacts       []model.ContactPayload
	invalidDropped int
}

// ApplyFullSync asserts the current set of contacts from sourceDevice.
// If metadata.CompleteSnapshot, ids absent from the batch are
// tombstoned; otherwise the batch is treated as a partial upsert and
// SyncSummary.PartialSnapshot is true.
func (e *Engine) ApplyFullSync(ctx context.Context, sourceDevice string, contacts []model.RawContact, metadata *model.SyncMetadata) (model.SyncSummary, error) {
	start := time.Now()
	log := Log{Where: "sync", What: "full_sync", When: start, Data: map[string]interface{}{"source_device": sourceDevice}}
	defer func() {
		log.Duration = time.Since(start)
		e.logf("%s", log)
	}()

	normalizedSource, ok := normalize.SourceDevice(sourceDevice, e.Limits)
	if !ok {
		err := &store.InvalidInputError{Msg: "source_device must be non-empty"}
		log.Err = err
		return model.SyncSummary{}, err
	}

	resolved := metadata
	if resolved == nil {
		resolved = &model.SyncMetadata{CompleteSnapshot: false}
	}

	if e.rejectedByThrottle(normalizedSource) {
		err := &store.SyncRejectedError{Msg: fmt.Sprintf("source_device=%s is backing off after repeated rejections", normalizedSource)}
		log.Err = err
		return model.SyncSummary{}, err
	}

	norm := e.normalizeAndDedupe(contacts)
	if err := e.ensureCapacity(len(norm.contacts)); err != nil {
		e.noteRejection(normalizedSource)
		log.Err = err
		return model.SyncSummary{}, err
	}

	nowMs := e.now()

	tx, err := e.Store.BeginTransaction(ctx)
	if err != nil {
		log.Err = err
		return model.SyncSummary{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := e.ensureSequenceMonotonic(ctx, normalizedSource, resolved); err != nil {
		e.noteRejection(normalizedSource)
		log.Err = err
		return model.SyncSummary{}, err
	}

	summary := model.SyncSummary{InvalidDropped: norm.invalidDropped}
	liveIDs := make([]string, 0, len(norm.contacts))
	for _, payload := range norm.contacts {
		liveIDs = append(liveIDs, payload.ExternalContactID)
		outcome, err := e.Store.UpsertContact(ctx, tx, normalizedSource, payload, nowMs)
		if err != nil {
			log.Err = err
			return model.SyncSummary{}, &store.StoreError{Op: "upsert_contact", Err: err}
		}
		tallyInto(&summary, outcome)
	}

	if resolved.CompleteSnapshot {
		deleted, err := e.Store.MarkMissingDeleted(ctx, tx, normalizedSource, liveIDs, nowMs)
		if err != nil {
			log.Err = err
			return model.SyncSummary{}, &store.StoreError{Op: "mark_missing_deleted", Err: err}
		}
		summary.Deleted = deleted
	} else {
		summary.PartialSnapshot = true
	}

	if err := e.Store.UpsertSyncState(ctx, tx, normalizedSource, nowMs, resolved.SyncToken, resolved.SourceSyncSequence, cacheSchemaVersion); err != nil {
		log.Err = err
		return model.SyncSummary{}, &store.StoreError{Op: "upsert_sync_state", Err: err}
	}

	if err := tx.Commit(); err != nil {
		log.Err = err
		return model.SyncSummary{}, &store.StoreError{Op: "commit", Err: err}
	}
	committed = true

	log.Data["summary"] = summary.String()
	e.clearRejections(normalizedSource)
	return summary, nil
}

// ApplyDeltaSync applies an explicit set of upserts and deletion ids
// from sourceDevice. Upserts win over a deletion for the same id in
// the same batch. SyncSummary.PartialSnapshot is always true.
func (e *Engine) ApplyDeltaSync(ctx context.Context, sourceDevice string, upserts []model.RawContact, deletions []string, metadata *model.SyncMetadata) (model.SyncSummary, error) {
	start := time.Now()
	log := Log{Where: "sync", What: "delta_sync", When: start, Data: map[string]interface{}{"source_device": sourceDevice}}
	defer func() {
		log.Duration = time.Since(start)
		e.logf("%s", log)
	}()

	normalizedSource, ok := normalize.SourceDevice(sourceDevice, e.Limits)
	if !ok {
		err := &store.InvalidInputError{Msg: "source_device must be non-empty"}
		log.Err = err
		return model.SyncSummary{}, err
	}

	resolved := metadata
	if resolved == nil {
		resolved = &model.SyncMetadata{}
	}

	if e.rejectedByThrottle(normalizedSource) {
		err := &store.SyncRejectedError{Msg: fmt.Sprintf("source_device=%s is backing off after repeated rejections", normalizedSource)}
		log.Err = err
		return model.SyncSummary{}, err
	}

	norm := e.normalizeAndDedupe(upserts)

	activeCount, err := e.Store.CountActiveContacts(ctx, normalizedSource)
	if err != nil {
		log.Err = err
		return model.SyncSummary{}, &store.StoreError{Op: "count_active_contacts", Err: err}
	}
	if err := e.ensureCapacity(len(norm.contacts) + activeCount); err != nil {
		e.noteRejection(normalizedSource)
		log.Err = err
		return model.SyncSummary{}, err
	}

	deletionIDs := normalizeDeletionIDs(deletions, e.Limits)
	upsertIDs := make(map[string]struct{}, len(norm.contacts))
	for _, payload := range norm.contacts {
		upsertIDs[payload.ExternalContactID] = struct{}{}
	}
	filteredDeletions := deletionIDs[:0]
	for _, id := range deletionIDs {
		if _, isUpsert := upsertIDs[id]; isUpsert {
			continue
		}
		filteredDeletions = append(filteredDeletions, id)
	}

	nowMs := e.now()

	tx, err := e.Store.BeginTransaction(ctx)
	if err != nil {
		log.Err = err
		return model.SyncSummary{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := e.ensureSequenceMonotonic(ctx, normalizedSource, resolved); err != nil {
		e.noteRejection(normalizedSource)
		log.Err = err
		return model.SyncSummary{}, err
	}

	summary := model.SyncSummary{InvalidDropped: norm.invalidDropped, PartialSnapshot: true}
	for _, payload := range norm.contacts {
		outcome, err := e.Store.UpsertContact(ctx, tx, normalizedSource, payload, nowMs)
		if err != nil {
			log.Err = err
			return model.SyncSummary{}, &store.StoreError{Op: "upsert_contact", Err: err}
		}
		tallyInto(&summary, outcome)
	}

	deleted, err := e.Store.MarkDeleted(ctx, tx, normalizedSource, filteredDeletions, nowMs)
	if err != nil {
		log.Err = err
		return model.SyncSummary{}, &store.StoreError{Op: "mark_deleted", Err: err}
	}
	summary.Deleted = deleted

	if err := e.Store.UpsertSyncState(ctx, tx, normalizedSource, nowMs, resolved.SyncToken, resolved.SourceSyncSequence, cacheSchemaVersion); err != nil {
		log.Err = err
		return model.SyncSummary{}, &store.StoreError{Op: "upsert_sync_state", Err: err}
	}

	if err := tx.Commit(); err != nil {
		log.Err = err
		return model.SyncSummary{}, &store.StoreError{Op: "commit", Err: err}
	}
	committed = true

	log.Data["summary"] = summary.String()
	e.clearRejections(normalizedSource)
	return summary, nil
}

func tallyInto(summary *model.SyncSummary, outcome model.UpsertOutcome) {
	switch outcome {
	case model.Inserted:
		summary.Inserted++
	case model.Updated:
		summary.Updated++
	case model.Unchanged:
		summary.Unchanged++
	case model.StaleIgnored:
		summary.StaleIgnored++
	}
}

func (e *Engine) ensureSequenceMonotonic(ctx context.Context, sourceDevice string, metadata *model.SyncMetadata) error {
	if metadata.SourceSyncSequence <= 0 {
		return nil
	}
	state, ok, err := e.Store.GetSyncState(ctx, sourceDevice)
	if err != nil {
		return &store.StoreError{Op: "get_sync_state", Err: err}
	}
	if !ok {
		return nil
	}
	if !metadata.AllowSequenceRegression && metadata.SourceSyncSequence < state.LastSourceSyncSequence {
		return &store.SyncRejectedError{
			Msg: fmt.Sprintf("sequence regression for source_device=%s, incoming=%d previous=%d", sourceDevice, metadata.SourceSyncSequence, state.LastSourceSyncSequence),
		}
	}
	return nil
}

func (e *Engine) ensureCapacity(requested int) error {
	if requested > e.Limits.MaxContactsPerDevice {
		return &store.SyncRejectedError{
			Msg: fmt.Sprintf("contact count %d exceeds max_contacts_per_device=%d", requested, e.Limits.MaxContactsPerDevice),
		}
	}
	return nil
}

// normalizeAndDedupe walks raw in order, normalizing each record and
// keeping the "preferred" payload per external_contact_id — the same
// preference rule upsert_contact uses, so dedupe yields the same end
// state as sequential application.
func (e *Engine) normalizeAndDedupe(raw []model.RawContact) normalizationResult {
	deduped := make(map[string]model.ContactPayload)
	order := make([]string, 0, len(raw))
	invalidDropped := 0

	for _, r := range raw {
		payload, ok := normalize.Contact(r, e.Limits)
		if !ok {
			invalidDropped++
			continue
		}
		existing, has := deduped[payload.ExternalContactID]
		if !has {
			order = append(order, payload.ExternalContactID)
			deduped[payload.ExternalContactID] = payload
			continue
		}
		if isPreferred(payload, existing) {
			deduped[payload.ExternalContactID] = payload
		}
	}

	contacts := make([]model.ContactPayload, 0, len(order))
	for _, id := range order {
		contacts = append(contacts, deduped[id])
	}
	return normalizationResult{contacts: contacts, invalidDropped: invalidDropped}
}

func isPreferred(candidate, existing model.ContactPayload) bool {
	if candidate.SourceVersion > existing.SourceVersion {
		return true
	}
	if candidate.SourceVersion < existing.SourceVersion {
		return false
	}
	return candidate.SourceLastModifiedMs >= existing.SourceLastModifiedMs
}

func normalizeDeletionIDs(raw []string, limits model.CacheLimits) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		trimmed := trimAndTruncate(id, limits.MaxExternalIDChars)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func trimAndTruncate(s string, maxChars int) string {
	trimmed := strings.TrimSpace(s)
	r := []rune(trimmed)
	if len(r) > maxChars {
		r = r[:maxChars]
	}
	return string(r)
}

func (e *Engine) rejectedByThrottle(sourceDevice string) bool {
	if e.Throttle == nil {
		return false
	}
	return e.Throttle.Blocked(sourceDevice)
}

func (e *Engine) noteRejection(sourceDevice string) {
	if e.Throttle != nil {
		e.Throttle.Add(sourceDevice)
	}
}

func (e *Engine) clearRejections(sourceDevice string) {
	if e.Throttle != nil {
		e.Throttle.Clear(sourceDevice)
	}
}

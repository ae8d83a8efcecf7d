// Package sqlitestore is the durable Store backend: a single SQLite
// database in WAL mode, accessed through crawshaw.io/sqlite and its
// sqlitex connection pool, following spilldb/db.Open/Init and
// spilldb/spillbox.Box's transaction handling.
package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/autotech-aaos/contactscache/contactscache/model"
	"github.com/autotech-aaos/contactscache/contactscache/store"
)

// Store is a crawshaw.io/sqlite-backed Store. Exactly one write
// transaction may be open on a Store at a time; the pool itself may
// hold additional connections for concurrent readers, who observe the
// last committed snapshot via WAL.
type Store struct {
	pool *sqlitex.Pool

	mu       sync.Mutex
	activeTx *tx
}

// Open opens (creating if needed) the SQLite database at dbfile,
// enables WAL mode, and bootstraps the schema. poolSize controls how
// many connections (readers plus the one active writer) the pool
// holds open.
func Open(dbfile string, poolSize int) (*Store, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: init open: %v", err)
	}
	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore.Open: init schema: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: init close: %v", err)
	}

	pool, err := sqlitex.Open(dbfile, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: pool: %v", err)
	}
	return &Store{pool: pool}, nil
}

func initSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -20000;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

type tx struct {
	conn   *sqlite.Conn
	pool   *sqlitex.Pool
	store  *Store
	closed bool
}

func (t *tx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.closed || t.store.activeTx != t {
		return store.ErrTxClosed
	}
	if err := sqlitex.ExecTransient(t.conn, "RELEASE contactscache;", nil); err != nil {
		return &store.StoreError{Op: "commit", Err: err}
	}
	t.closed = true
	t.store.activeTx = nil
	t.pool.Put(t.conn)
	return nil
}

func (t *tx) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.closed {
		return nil
	}
	err := sqlitex.ExecTransient(t.conn, "ROLLBACK TO contactscache;", nil)
	if err == nil {
		err = sqlitex.ExecTransient(t.conn, "RELEASE contactscache;", nil)
	}
	t.closed = true
	t.store.activeTx = nil
	t.pool.Put(t.conn)
	if err != nil {
		return &store.StoreError{Op: "rollback", Err: err}
	}
	return nil
}

// BeginTransaction checks out a connection from the pool and opens a
// SAVEPOINT on it. The connection stays checked out until Commit or
// Rollback; readers using other pooled connections observe the last
// committed snapshot via WAL in the meantime.
func (s *Store) BeginTransaction(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	if s.activeTx != nil {
		s.mu.Unlock()
		return nil, store.ErrNestedTransaction
	}
	s.mu.Unlock()

	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	if err := sqlitex.ExecTransient(conn, "SAVEPOINT contactscache;", nil); err != nil {
		s.pool.Put(conn)
		return nil, &store.StoreError{Op: "begin_transaction", Err: err}
	}

	s.mu.Lock()
	if s.activeTx != nil {
		s.mu.Unlock()
		sqlitex.ExecTransient(conn, "ROLLBACK TO contactscache;", nil)
		sqlitex.ExecTransient(conn, "RELEASE contactscache;", nil)
		s.pool.Put(conn)
		return nil, store.ErrNestedTransaction
	}
	t := &tx{conn: conn, pool: s.pool, store: s}
	s.activeTx = t
	s.mu.Unlock()

	return t, nil
}

func (s *Store) requireActive(t store.Tx) (*tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	concrete, ok := t.(*tx)
	if !ok || s.activeTx != concrete || concrete.closed {
		return nil, store.ErrWriteOutsideTransaction
	}
	return concrete, nil
}

// existingRow holds the prior state of a contact row. AvatarETag reads
// back as "" for both a NULL column and an empty string, which is also
// how payload.AvatarETag represents "no etag" — so equality comparison
// needs no separate null-tracking.
type existingRow struct {
	displayName          string
	phonesJSON           string
	emailsJSON           string
	avatarETag           string
	sourceVersion        int64
	sourceLastModifiedMs int64
	deleted              bool
}

func (s *Store) queryExisting(conn *sqlite.Conn, sourceDevice, externalContactID string) (*existingRow, error) {
	stmt := conn.Prep(`SELECT DisplayName, PhonesJSON, EmailsJSON, AvatarETag, SourceVersion, SourceLastModifiedMs, Deleted
		FROM Contacts WHERE SourceDevice = $sourceDevice AND ExternalContactID = $externalID;`)
	stmt.SetText("$sourceDevice", sourceDevice)
	stmt.SetText("$externalID", externalContactID)
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}

	return &existingRow{
		displayName:          stmt.GetText("DisplayName"),
		phonesJSON:           stmt.GetText("PhonesJSON"),
		emailsJSON:           stmt.GetText("EmailsJSON"),
		avatarETag:           stmt.GetText("AvatarETag"),
		sourceVersion:        stmt.GetInt64("SourceVersion"),
		sourceLastModifiedMs: stmt.GetInt64("SourceLastModifiedMs"),
		deleted:              stmt.GetInt64("Deleted") != 0,
	}, nil
}

func (s *Store) UpsertContact(ctx context.Context, txh store.Tx, sourceDevice string, payload model.ContactPayload, nowMs int64) (model.UpsertOutcome, error) {
	t, err := s.requireActive(txh)
	if err != nil {
		return 0, err
	}
	conn := t.conn

	existing, err := s.queryExisting(conn, sourceDevice, payload.ExternalContactID)
	if err != nil {
		return 0, &store.StoreError{Op: "upsert_contact: query existing", Err: err}
	}

	phonesJSON := encodeList(payload.Phones)
	emailsJSON := encodeList(payload.Emails)

	if existing == nil {
		stmt := conn.Prep(`INSERT INTO Contacts (
				SourceDevice, ExternalContactID, DisplayName, PhonesJSON, EmailsJSON,
				AvatarETag, SourceVersion, SourceLastModifiedMs, LocalUpdatedMs, Deleted
			) VALUES (
				$sourceDevice, $externalID, $displayName, $phonesJSON, $emailsJSON,
				$avatarETag, $sourceVersion, $sourceLastModifiedMs, $localUpdatedMs, 0
			);`)
		stmt.SetText("$sourceDevice", sourceDevice)
		stmt.SetText("$externalID", payload.ExternalContactID)
		stmt.SetText("$displayName", payload.DisplayName)
		stmt.SetText("$phonesJSON", phonesJSON)
		stmt.SetText("$emailsJSON", emailsJSON)
		setNullableText(stmt, "$avatarETag", payload.AvatarETag)
		stmt.SetInt64("$sourceVersion", payload.SourceVersion)
		stmt.SetInt64("$sourceLastModifiedMs", payload.SourceLastModifiedMs)
		stmt.SetInt64("$localUpdatedMs", nowMs)
		if _, err := stmt.Step(); err != nil {
			return 0, &store.StoreError{Op: "upsert_contact: insert", Err: err}
		}
		return model.Inserted, nil
	}

	if payload.SourceVersion < existing.sourceVersion {
		return model.StaleIgnored, nil
	}
	if payload.SourceVersion == existing.sourceVersion && payload.SourceLastModifiedMs < existing.sourceLastModifiedMs {
		return model.StaleIgnored, nil
	}

	unchanged := !existing.deleted &&
		existing.displayName == payload.DisplayName &&
		existing.phonesJSON == phonesJSON &&
		existing.emailsJSON == emailsJSON &&
		existing.avatarETag == payload.AvatarETag &&
		existing.sourceVersion == payload.SourceVersion &&
		existing.sourceLastModifiedMs == payload.SourceLastModifiedMs
	if unchanged {
		return model.Unchanged, nil
	}

	stmt := conn.Prep(`UPDATE Contacts SET
			DisplayName = $displayName,
			PhonesJSON = $phonesJSON,
			EmailsJSON = $emailsJSON,
			AvatarETag = $avatarETag,
			SourceVersion = $sourceVersion,
			SourceLastModifiedMs = $sourceLastModifiedMs,
			LocalUpdatedMs = $localUpdatedMs,
			Deleted = 0
		WHERE SourceDevice = $sourceDevice AND ExternalContactID = $externalID;`)
	stmt.SetText("$sourceDevice", sourceDevice)
	stmt.SetText("$externalID", payload.ExternalContactID)
	stmt.SetText("$displayName", payload.DisplayName)
	stmt.SetText("$phonesJSON", phonesJSON)
	stmt.SetText("$emailsJSON", emailsJSON)
	setNullableText(stmt, "$avatarETag", payload.AvatarETag)
	stmt.SetInt64("$sourceVersion", payload.SourceVersion)
	stmt.SetInt64("$sourceLastModifiedMs", payload.SourceLastModifiedMs)
	stmt.SetInt64("$localUpdatedMs", nowMs)
	if _, err := stmt.Step(); err != nil {
		return 0, &store.StoreError{Op: "upsert_contact: update", Err: err}
	}
	return model.Updated, nil
}

func (s *Store) MarkDeleted(ctx context.Context, txh store.Tx, sourceDevice string, ids []string, nowMs int64) (int, error) {
	t, err := s.requireActive(txh)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	conn := t.conn

	stmt := conn.Prep(`UPDATE Contacts SET Deleted = 1, LocalUpdatedMs = $nowMs
		WHERE SourceDevice = $sourceDevice AND ExternalContactID = $externalID AND Deleted = 0;`)
	count := 0
	for _, id := range ids {
		stmt.Reset()
		stmt.SetInt64("$nowMs", nowMs)
		stmt.SetText("$sourceDevice", sourceDevice)
		stmt.SetText("$externalID", id)
		if _, err := stmt.Step(); err != nil {
			return count, &store.StoreError{Op: "mark_deleted", Err: err}
		}
		count += conn.Changes()
	}
	return count, nil
}

func (s *Store) MarkMissingDeleted(ctx context.Context, txh store.Tx, sourceDevice string, liveIDs []string, nowMs int64) (int, error) {
	t, err := s.requireActive(txh)
	if err != nil {
		return 0, err
	}
	conn := t.conn

	if len(liveIDs) == 0 {
		stmt := conn.Prep(`UPDATE Contacts SET Deleted = 1, LocalUpdatedMs = $nowMs
			WHERE SourceDevice = $sourceDevice AND Deleted = 0;`)
		stmt.SetInt64("$nowMs", nowMs)
		stmt.SetText("$sourceDevice", sourceDevice)
		if _, err := stmt.Step(); err != nil {
			return 0, &store.StoreError{Op: "mark_missing_deleted", Err: err}
		}
		return conn.Changes(), nil
	}

	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	selectStmt := conn.Prep(`SELECT ExternalContactID FROM Contacts
		WHERE SourceDevice = $sourceDevice AND Deleted = 0;`)
	selectStmt.SetText("$sourceDevice", sourceDevice)
	var toDelete []string
	for {
		hasRow, err := selectStmt.Step()
		if err != nil {
			selectStmt.Reset()
			return 0, &store.StoreError{Op: "mark_missing_deleted: scan", Err: err}
		}
		if !hasRow {
			break
		}
		id := selectStmt.GetText("ExternalContactID")
		if _, ok := live[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}

	updateStmt := conn.Prep(`UPDATE Contacts SET Deleted = 1, LocalUpdatedMs = $nowMs
		WHERE SourceDevice = $sourceDevice AND ExternalContactID = $externalID AND Deleted = 0;`)
	for _, id := range toDelete {
		updateStmt.Reset()
		updateStmt.SetInt64("$nowMs", nowMs)
		updateStmt.SetText("$sourceDevice", sourceDevice)
		updateStmt.SetText("$externalID", id)
		if _, err := updateStmt.Step(); err != nil {
			return 0, &store.StoreError{Op: "mark_missing_deleted: update", Err: err}
		}
	}
	return len(toDelete), nil
}

func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoffMs int64) (int, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`DELETE FROM Contacts WHERE Deleted = 1 AND LocalUpdatedMs < $cutoffMs;`)
	stmt.SetInt64("$cutoffMs", cutoffMs)
	if _, err := stmt.Step(); err != nil {
		return 0, &store.StoreError{Op: "purge_deleted_before", Err: err}
	}
	return conn.Changes(), nil
}

func (s *Store) ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.CachedContact, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer s.pool.Put(conn)

	query := `SELECT SourceDevice, ExternalContactID, DisplayName, PhonesJSON, EmailsJSON,
			AvatarETag, SourceVersion, SourceLastModifiedMs, LocalUpdatedMs
		FROM Contacts WHERE SourceDevice = $sourceDevice AND Deleted = 0`
	if namePrefix != "" {
		query += ` AND DisplayName LIKE $namePrefix ESCAPE '\'`
	}
	query += ` ORDER BY DisplayName COLLATE NOCASE ASC, ExternalContactID ASC;`

	stmt := conn.Prep(query)
	stmt.SetText("$sourceDevice", sourceDevice)
	if namePrefix != "" {
		stmt.SetText("$namePrefix", likeEscape(namePrefix)+"%")
	}
	defer stmt.Reset()

	var out []model.CachedContact
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &store.StoreError{Op: "list_active_contacts", Err: err}
		}
		if !hasRow {
			break
		}
		out = append(out, model.CachedContact{
			SourceDevice:         stmt.GetText("SourceDevice"),
			ExternalContactID:    stmt.GetText("ExternalContactID"),
			DisplayName:          stmt.GetText("DisplayName"),
			Phones:               decodeList(stmt.GetText("PhonesJSON")),
			Emails:               decodeList(stmt.GetText("EmailsJSON")),
			AvatarETag:           stmt.GetText("AvatarETag"),
			SourceVersion:        stmt.GetInt64("SourceVersion"),
			SourceLastModifiedMs: stmt.GetInt64("SourceLastModifiedMs"),
			LocalUpdatedMs:       stmt.GetInt64("LocalUpdatedMs"),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetSyncState(ctx context.Context, sourceDevice string) (model.SyncState, bool, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return model.SyncState{}, false, ctx.Err()
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT LastFullSyncMs, LastSyncToken, LastSourceSyncSequence, CacheSchemaVersion
		FROM SyncState WHERE SourceDevice = $sourceDevice;`)
	stmt.SetText("$sourceDevice", sourceDevice)
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return model.SyncState{}, false, &store.StoreError{Op: "get_sync_state", Err: err}
	}
	if !hasRow {
		return model.SyncState{}, false, nil
	}

	return model.SyncState{
		SourceDevice:           sourceDevice,
		LastFullSyncMs:         stmt.GetInt64("LastFullSyncMs"),
		LastSyncToken:          stmt.GetText("LastSyncToken"),
		LastSourceSyncSequence: stmt.GetInt64("LastSourceSyncSequence"),
		CacheSchemaVersion:     int(stmt.GetInt64("CacheSchemaVersion")),
	}, true, nil
}

func (s *Store) UpsertSyncState(ctx context.Context, txh store.Tx, sourceDevice string, lastFullSyncMs int64, lastSyncToken string, lastSourceSyncSequence int64, cacheSchemaVersion int) error {
	t, err := s.requireActive(txh)
	if err != nil {
		return err
	}
	conn := t.conn

	stmt := conn.Prep(`INSERT INTO SyncState (
			SourceDevice, LastFullSyncMs, LastSyncToken, LastSourceSyncSequence, CacheSchemaVersion
		) VALUES (
			$sourceDevice, $lastFullSyncMs, $lastSyncToken, $lastSourceSyncSequence, $cacheSchemaVersion
		)
		ON CONFLICT (SourceDevice) DO UPDATE SET
			LastFullSyncMs = excluded.LastFullSyncMs,
			LastSyncToken = excluded.LastSyncToken,
			LastSourceSyncSequence = excluded.LastSourceSyncSequence,
			CacheSchemaVersion = excluded.CacheSchemaVersion;`)
	stmt.SetText("$sourceDevice", sourceDevice)
	stmt.SetInt64("$lastFullSyncMs", lastFullSyncMs)
	stmt.SetText("$lastSyncToken", lastSyncToken)
	stmt.SetInt64("$lastSourceSyncSequence", lastSourceSyncSequence)
	stmt.SetInt64("$cacheSchemaVersion", int64(cacheSchemaVersion))
	if _, err := stmt.Step(); err != nil {
		return &store.StoreError{Op: "upsert_sync_state", Err: err}
	}
	return nil
}

func (s *Store) CountActiveContacts(ctx context.Context, sourceDevice string) (int, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT COUNT(*) AS N FROM Contacts WHERE SourceDevice = $sourceDevice AND Deleted = 0;`)
	stmt.SetText("$sourceDevice", sourceDevice)
	defer stmt.Reset()
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, &store.StoreError{Op: "count_active_contacts", Err: err}
	}
	if !hasRow {
		return 0, nil
	}
	return int(stmt.GetInt64("N")), nil
}

func setNullableText(stmt *sqlite.Stmt, param, value string) {
	if value == "" {
		stmt.SetNull(param)
		return
	}
	stmt.SetText(param, value)
}

// likeEscape backslash-escapes LIKE metacharacters so namePrefix is
// matched literally, not as a pattern.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(encoded string) []string {
	if encoded == "" || encoded == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return nil
	}
	return values
}

package sqlitestore

// createSQL bootstraps the schema, following spilldb/db/sql.go and
// spilldb/greylistdb's inline dbSQL constant: one CREATE TABLE IF NOT
// EXISTS per table, comments noting the Go-side meaning of otherwise
// opaque columns.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Contacts (
	SourceDevice         TEXT NOT NULL,
	ExternalContactID    TEXT NOT NULL,
	DisplayName          TEXT NOT NULL,
	PhonesJSON           TEXT NOT NULL, -- JSON array of canonical phone strings
	EmailsJSON           TEXT NOT NULL, -- JSON array of lowercased email strings
	AvatarETag           TEXT,
	SourceVersion        INTEGER NOT NULL,
	SourceLastModifiedMs INTEGER NOT NULL,
	LocalUpdatedMs       INTEGER NOT NULL, -- epoch-ms, this cache's clock
	Deleted              BOOLEAN NOT NULL, -- tombstone flag

	PRIMARY KEY (SourceDevice, ExternalContactID)
);

-- Listing path: active contacts for a source, ordered by name.
CREATE INDEX IF NOT EXISTS ContactsListing ON Contacts (SourceDevice, Deleted, DisplayName);

-- Retention purge: tombstoned rows older than a cutoff.
CREATE INDEX IF NOT EXISTS ContactsPurge ON Contacts (SourceDevice, LocalUpdatedMs);

-- Diagnostics: inspect version/modified-time skew per source.
CREATE INDEX IF NOT EXISTS ContactsDiagnostics ON Contacts (SourceDevice, SourceVersion, SourceLastModifiedMs);

CREATE TABLE IF NOT EXISTS SyncState (
	SourceDevice           TEXT PRIMARY KEY,
	LastFullSyncMs         INTEGER NOT NULL,
	LastSyncToken          TEXT,
	LastSourceSyncSequence INTEGER NOT NULL,
	CacheSchemaVersion     INTEGER NOT NULL
);
`

// Package model holds the data types shared across the contact sync
// engine, the transactional store contract, and its backends.
package model

import "fmt"

// RawContact is an unnormalized payload as handed to the engine by a
// source adapter (Bluetooth PBAP, USB). Fields may be blank, oversized,
// or duplicated; Normalizer cleans them up.
type RawContact struct {
	ExternalContactID   string
	DisplayName         string
	Phones              []string
	Emails              []string
	AvatarETag          string
	SourceVersion        int64
	SourceLastModifiedMs int64
}

// ContactPayload is a normalized contact, ready to be upserted into
// the store. All fields have already been trimmed, truncated,
// deduplicated and capped against a CacheLimits.
type ContactPayload struct {
	ExternalContactID    string
	DisplayName          string
	Phones               []string
	Emails               []string
	AvatarETag           string
	SourceVersion        int64
	SourceLastModifiedMs int64
}

// CachedContact is a row as read back from the store: a ContactPayload
// plus its (source_device, external_contact_id) identity and local
// bookkeeping timestamp.
type CachedContact struct {
	SourceDevice         string
	ExternalContactID    string
	DisplayName          string
	Phones               []string
	Emails               []string
	AvatarETag           string
	SourceVersion        int64
	SourceLastModifiedMs int64
	LocalUpdatedMs       int64
}

// SyncState is the one-row-per-source_device bookkeeping record the
// store persists after every successful sync.
type SyncState struct {
	SourceDevice           string
	LastFullSyncMs         int64
	LastSyncToken          string
	LastSourceSyncSequence int64
	CacheSchemaVersion     int
}

// SyncMetadata describes the batch-level parameters of one sync call.
type SyncMetadata struct {
	SyncToken               string
	SourceSyncSequence      int64
	CompleteSnapshot        bool // full sync only; ignored by delta sync
	AllowSequenceRegression bool
}

// SyncSummary tallies the outcome of one apply_full_sync or
// apply_delta_sync call.
type SyncSummary struct {
	Inserted       int
	Updated        int
	Unchanged      int
	Deleted        int
	StaleIgnored   int
	InvalidDropped int
	PartialSnapshot bool
}

func (s SyncSummary) String() string {
	return fmt.Sprintf(
		"SyncSummary{inserted=%d, updated=%d, unchanged=%d, deleted=%d, stale_ignored=%d, invalid_dropped=%d, partial_snapshot=%t}",
		s.Inserted, s.Updated, s.Unchanged, s.Deleted, s.StaleIgnored, s.InvalidDropped, s.PartialSnapshot,
	)
}

// UpsertOutcome is the closed enumeration of what upsert_contact did.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota
	Updated
	Unchanged
	StaleIgnored
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "INSERTED"
	case Updated:
		return "UPDATED"
	case Unchanged:
		return "UNCHANGED"
	case StaleIgnored:
		return "STALE_IGNORED"
	default:
		return fmt.Sprintf("UpsertOutcome(%d)", int(o))
	}
}

// CacheLimits is the immutable configuration injected into the
// Normalizer and Sync Engine at construction. Every field is
// enumerated explicitly; there are no dynamic keyword arguments.
type CacheLimits struct {
	MaxContactsPerDevice int
	MaxPhonesPerContact  int
	MaxEmailsPerContact  int
	MaxDisplayNameChars  int
	MaxPhoneChars        int
	MaxEmailChars        int
	MaxSourceDeviceChars int
	MaxExternalIDChars   int
}

// ProductionDefaults returns the §6 production configuration.
func ProductionDefaults() CacheLimits {
	return CacheLimits{
		MaxContactsPerDevice: 50000,
		MaxPhonesPerContact:  20,
		MaxEmailsPerContact:  20,
		MaxDisplayNameChars:  256,
		MaxPhoneChars:        64,
		MaxEmailChars:        320,
		MaxSourceDeviceChars: 128,
		MaxExternalIDChars:   128,
	}
}

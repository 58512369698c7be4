// Package types defines the records and constants shared by every layer of
// the sync engine: wire records, sync directions and local fact keys.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SyncRecord is a single row change exchanged with the central server.
//
// On pull, ID is the server's snapshot row id and is used as the paging
// cursor; RecordID is the id of the record itself. On push, ID is unused.
type SyncRecord struct {
	ID                int64          `json:"id,omitempty" msgpack:"id"`
	RecordID          string         `json:"recordId" msgpack:"record_id"`
	RecordType        string         `json:"recordType" msgpack:"record_type"`
	Data              map[string]any `json:"data" msgpack:"data"`
	IsDeleted         bool           `json:"isDeleted" msgpack:"is_deleted"`
	UpdatedAtSyncTick int64          `json:"updatedAtSyncTick" msgpack:"updated_at_sync_tick"`
}

// Validate checks the fields every record needs before it can be staged or
// applied.
func (r *SyncRecord) Validate() error {
	if r.RecordType == "" {
		return fmt.Errorf("recordType is required")
	}
	if r.RecordID == "" {
		return fmt.Errorf("recordId is required")
	}
	return nil
}

// DataJSON returns the record payload encoded as JSON.
func (r *SyncRecord) DataJSON() (string, error) {
	if r.Data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(r.Data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data for %s/%s: %w", r.RecordType, r.RecordID, err)
	}
	return string(b), nil
}

// SyncDirection declares which way records of a type travel.
type SyncDirection string

const (
	DirectionPushToCentral   SyncDirection = "PUSH_TO_CENTRAL"
	DirectionPullFromCentral SyncDirection = "PULL_FROM_CENTRAL"
	DirectionBidirectional   SyncDirection = "BIDIRECTIONAL"
	DirectionNone            SyncDirection = "NONE"
)

// ParseSyncDirection accepts the canonical names case-insensitively.
func ParseSyncDirection(s string) (SyncDirection, error) {
	d := SyncDirection(strings.ToUpper(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("invalid sync direction: %q", s)
	}
	return d, nil
}

// IsValid reports whether d is one of the four known directions.
func (d SyncDirection) IsValid() bool {
	switch d {
	case DirectionPushToCentral, DirectionPullFromCentral, DirectionBidirectional, DirectionNone:
		return true
	}
	return false
}

// Pushes reports whether local changes of this type are sent to central.
func (d SyncDirection) Pushes() bool {
	return d == DirectionPushToCentral || d == DirectionBidirectional
}

// Pulls reports whether central changes of this type are applied locally.
func (d SyncDirection) Pulls() bool {
	return d == DirectionPullFromCentral || d == DirectionBidirectional
}

// Local system fact keys.
const (
	FactCurrentSyncSession        = "CurrentSyncSession"
	FactLastSuccessfulSyncSession = "LastSuccessfulSyncSession"
	FactCurrentSyncTime           = "CURRENT_SYNC_TIME"
	FactLastSuccessfulPush        = "LAST_SUCCESSFUL_PUSH"
	FactLastSuccessfulPull        = "LAST_SUCCESSFUL_PULL"
	FactLastSuccessfulSyncTime    = "LastSuccessfulSyncTime"
	FactSyncedTables              = "SyncedTables"
)

// NeverSynced is the tick watermark of a device that has not completed a
// sync yet.
const NeverSynced int64 = -1

// Standard columns every synced table carries.
const (
	ColumnID        = "id"
	ColumnSyncTick  = "updated_at_sync_tick"
	ColumnDeletedAt = "deleted_at"
)

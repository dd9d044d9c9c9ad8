// Package domain defines the core data structures shared by the ledger store,
// the synchronization engine and the vault protocol.
package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// KeyPrefix is the namespace prefix of every exported ledger key.
const KeyPrefix = "ledger_"

// DatasetID identifies a logical dataset ("tab"). The set is closed.
type DatasetID string

// Logical datasets known to the ledger
const (
	Assets       DatasetID = "assets"
	Debts        DatasetID = "debts"
	Investments  DatasetID = "investments"
	Income       DatasetID = "income"
	Expenses     DatasetID = "expenses"
	Transactions DatasetID = "transactions"
)

// DatasetSpec describes how a dataset is stored and partitioned
type DatasetSpec struct {
	ID              DatasetID
	Entity          string
	YearPartitioned bool
	DefaultTab      string
}

var datasetSpecs = map[DatasetID]DatasetSpec{
	Assets:       {ID: Assets, Entity: "assets", DefaultTab: "Assets"},
	Debts:        {ID: Debts, Entity: "debts", DefaultTab: "Debts"},
	Investments:  {ID: Investments, Entity: "investments", DefaultTab: "Investments"},
	Income:       {ID: Income, Entity: "income", YearPartitioned: true, DefaultTab: "Income"},
	Expenses:     {ID: Expenses, Entity: "expenses", YearPartitioned: true, DefaultTab: "Expenses"},
	Transactions: {ID: Transactions, Entity: "transactions", YearPartitioned: true, DefaultTab: "Transactions"},
}

// AllDatasets returns every logical dataset in a stable order.
func AllDatasets() []DatasetID {
	ids := make([]DatasetID, 0, len(datasetSpecs))
	for id := range datasetSpecs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Spec returns the dataset description and whether the id is known.
func Spec(id DatasetID) (DatasetSpec, bool) {
	spec, ok := datasetSpecs[id]
	return spec, ok
}

// ParseDatasetID validates a user supplied dataset identifier.
func ParseDatasetID(s string) (DatasetID, error) {
	id := DatasetID(s)
	if _, ok := datasetSpecs[id]; !ok {
		return "", fmt.Errorf("unknown dataset %q", s)
	}
	return id, nil
}

// StoreKey returns the local store key holding a dataset for a year.
// Year is ignored for global datasets.
func StoreKey(id DatasetID, year int) string {
	spec, ok := datasetSpecs[id]
	if !ok {
		return KeyPrefix + string(id)
	}
	if spec.YearPartitioned {
		return fmt.Sprintf("%s%s_%d", KeyPrefix, spec.Entity, year)
	}
	return KeyPrefix + spec.Entity
}

// Well-known ledger keys
const (
	KeyLastUpdated    = KeyPrefix + "last_updated"
	KeyLastBackup     = KeyPrefix + "last_backup"
	KeyLastCloudSync  = KeyPrefix + "last_cloud_sync"
	KeyCloudFileID    = KeyPrefix + "cloud_file_id"
	KeyArchiveYears   = KeyPrefix + "archive_years"
	KeySyncConflict   = KeyPrefix + "sync_conflict"
	KeyDeviceID       = "device_id" // outside the exported namespace
	KnowledgeProfile  = "kb_profile"
	KnowledgeInsights = "kb_insights"
	KnowledgeHistory  = "kb_conversations"
)

// KnowledgeKeys lists the knowledge-base entries carried by vault envelopes.
func KnowledgeKeys() []string {
	return []string{KnowledgeProfile, KnowledgeInsights, KnowledgeHistory}
}

// TabConfig maps logical datasets to user chosen remote tab names
type TabConfig struct {
	ResourceID string               `yaml:"spreadsheet_id" json:"spreadsheet_id"`
	ClientID   string               `yaml:"client_id" json:"client_id"`
	Tabs       map[DatasetID]string `yaml:"tabs" json:"tabs"`
}

// TabName returns the configured remote name, falling back to the default.
func (tc TabConfig) TabName(id DatasetID) string {
	if name, ok := tc.Tabs[id]; ok && name != "" {
		return name
	}
	if spec, ok := datasetSpecs[id]; ok {
		return spec.DefaultTab
	}
	return string(id)
}

// Validate ensures only known logical datasets are mapped
func (tc TabConfig) Validate() error {
	for id := range tc.Tabs {
		if _, ok := datasetSpecs[id]; !ok {
			return fmt.Errorf("tab mapping references unknown dataset %q", id)
		}
	}
	return nil
}

// Record is one row of a dataset as held in a local pool.
// Row is the 1-based remote row position; zero means never committed.
type Record struct {
	ID        string            `json:"id"`
	Row       int               `json:"row,omitempty"`
	Fields    map[string]string `json:"fields"`
	Amount    decimal.Decimal   `json:"amount"`
	IsDirty   bool              `json:"isDirty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// DirtyCount returns the number of records with unsynced local edits.
func DirtyCount(pool []Record) int {
	n := 0
	for _, r := range pool {
		if r.IsDirty {
			n++
		}
	}
	return n
}

// SyncStatus is the global synchronization state
type SyncStatus string

const (
	StatusIdle      SyncStatus = "idle"
	StatusSigningIn SyncStatus = "signing-in"
	StatusSyncing   SyncStatus = "syncing"
	StatusSuccess   SyncStatus = "success"
	StatusError     SyncStatus = "error"
)

// ConflictRecord is raised when a pull would overwrite unsynced local edits
type ConflictRecord struct {
	Dataset         DatasetID `json:"dataset"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
	DirtyCount      int       `json:"dirtyCount"`
}

// SyncSnapshot is a point-in-time copy of the engine state
type SyncSnapshot struct {
	Status      SyncStatus      `json:"status"`
	InFlight    []DatasetID     `json:"inFlight"`
	LastError   string          `json:"lastError,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Conflict    *ConflictRecord `json:"conflict,omitempty"`
}

// ArchiveMetadata summarises one year (0 = global) of local data
type ArchiveMetadata struct {
	Year        int       `json:"year"`
	RecordCount int       `json:"recordCount"`
	HasDetail   bool      `json:"hasDetail"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Operation represents an audit log operation
type Operation struct {
	Type      string    `json:"type"`
	Dataset   string    `json:"dataset,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

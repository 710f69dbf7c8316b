// Package snapshot persists the last observed state of each monitored
// root as one JSON file per root. Files are written atomically so a crash
// can never leave a half-written snapshot behind.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/epicforge/storysync/internal/types"
)

// Snapshot is an immutable record of a root work item at a point in time.
type Snapshot struct {
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	State         string    `json:"state"`
	Priority      string    `json:"priority,omitempty"`
	AreaPath      string    `json:"area_path,omitempty"`
	IterationPath string    `json:"iteration_path,omitempty"`
	ContentHash   string    `json:"content_hash"`
	LastModified  time.Time `json:"last_modified"`

	Metadata Metadata `json:"enhanced_metadata"`
}

// Metadata is the sidecar block stored with every snapshot.
type Metadata struct {
	LastUpdated    time.Time `json:"last_updated"`
	MonitorVersion string    `json:"monitor_version"`
}

// Capture builds a Snapshot of item, computing its content hash.
func Capture(item *types.WorkItem, version string) *Snapshot {
	return &Snapshot{
		Title:         item.Title,
		Description:   item.Description,
		State:         item.State,
		Priority:      item.Priority,
		AreaPath:      item.AreaPath,
		IterationPath: item.IterationPath,
		ContentHash:   HashItem(item),
		LastModified:  item.LastModified,
		Metadata: Metadata{
			LastUpdated:    time.Now().UTC(),
			MonitorVersion: version,
		},
	}
}

// HashItem returns the hex SHA-256 of the canonical field concatenation.
// Two items hash equal iff title, description, state, priority, area and
// iteration are all byte-identical.
func HashItem(item *types.WorkItem) string {
	return HashFields(item.Title, item.Description, item.State,
		item.Priority, item.AreaPath, item.IterationPath)
}

// HashFields hashes the canonical "title|description|state|priority|area|iteration"
// concatenation.
func HashFields(title, description, state, priority, area, iteration string) string {
	canonical := strings.Join([]string{title, description, state, priority, area, iteration}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

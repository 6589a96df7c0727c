package replica

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	appErrors "mindmesh-backend/pkg/errors"
)

// Metadata is the replica's durable sync bookkeeping, stored beside the
// database file. It records how far reconciliation has progressed and which
// remote the replica belongs to.
type Metadata struct {
	// Generation is the last remote generation fully applied locally.
	Generation int64 `json:"generation"`

	// LastSyncedAt is when the last successful sync finished.
	LastSyncedAt time.Time `json:"lastSyncedAt"`

	// Remote fingerprints the sync URL the replica was built against.
	// A replica must never sync against a different remote than the one
	// that produced its local state.
	Remote string `json:"remote"`
}

// MetadataPath returns the sidecar file location for a database path.
func MetadataPath(dbPath string) string {
	return dbPath + "-sync.json"
}

// FingerprintURL reduces a sync URL to a short stable identifier.
func FingerprintURL(url string) string {
	h := fnv.New64a()
	h.Write([]byte(url))
	return fmt.Sprintf("%016x", h.Sum64())
}

// LoadMetadata reads the sidecar file. A missing file yields zero metadata,
// which is the state of a replica that has never synced.
func LoadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, appErrors.NewInternal("read sync metadata", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, appErrors.NewInternal("parse sync metadata", err)
	}
	return meta, nil
}

// SaveMetadata writes the sidecar file atomically via rename.
func SaveMetadata(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return appErrors.NewInternal("encode sync metadata", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return appErrors.NewInternal("write sync metadata", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return appErrors.NewInternal("replace sync metadata", err)
	}
	return nil
}

// Package store — bolt.go
//
// BoltDB-backed persistent storage for vigil.
//
// Schema (BoltDB bucket layout):
//
//	/monitored_sources
//	    key:   source_name
//	    value: JSON-encoded model.LogSourceConfig
//
//	/audit_log
//	    key:   UTC timestamp with a fixed 9-digit fraction + "_" + id  [monotonic, sortable]
//	    value: JSON-encoded model.AuditEntry
//
//	/users
//	    key:   username
//	    value: JSON-encoded UserRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//	    key:   "last_audit_hash"
//	    value: hex-encoded sha256
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Audit entries are deleted only by an explicit PruneAudit call; the
//     store prunes nothing on startup or in the background, and the
//     retentionDays passed to Open is stored but not applied.
//   - Source configuration is never automatically pruned.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The agent logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/vigil/vigil.db.bak.
//   - Disk full: bbolt.Update() returns an error. The caller logs the
//     error; in-memory state is preserved but the write did not persist.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vigil/vigil/internal/model"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/vigil/vigil.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default audit log retention period.
	DefaultRetentionDays = 30

	bucketSources = "monitored_sources"
	bucketAudit   = "audit_log"
	bucketUsers   = "users"
	bucketMeta    = "meta"

	metaSchemaVersion = "schema_version"
	metaLastAuditHash = "last_audit_hash"
)

// BoltStore implements Store on top of go.etcd.io/bbolt.
type BoltStore struct {
	db            *bolt.DB
	retentionDays int
}

var _ Store = (*BoltStore)(nil)

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*BoltStore, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &BoltStore{db: bdb, retentionDays: retentionDays}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSources, bucketAudit, bucketUsers, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(metaSchemaVersion)) == nil {
			if err := meta.Put([]byte(metaSchemaVersion), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte(metaSchemaVersion))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, vigil requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ─── Source operations ─────────────────────────────────────────────────────

func (s *BoltStore) PutSource(_ context.Context, src model.LogSourceConfig) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("PutSource marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSources))
		return b.Put([]byte(src.SourceName), data)
	})
}

func (s *BoltStore) GetSource(_ context.Context, name string) (*model.LogSourceConfig, error) {
	var rec model.LogSourceConfig
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSources))
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetSource(%q): %w", name, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *BoltStore) ListSources(_ context.Context) ([]model.LogSourceConfig, error) {
	var sources []model.LogSourceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSources))
		return b.ForEach(func(_, v []byte) error {
			var rec model.LogSourceConfig
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			sources = append(sources, rec)
			return nil
		})
	})
	return sources, err
}

func (s *BoltStore) DeleteSource(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSources))
		return b.Delete([]byte(name))
	})
}

// ─── Audit operations ──────────────────────────────────────────────────────

// auditKey constructs a sortable BoltDB key for an audit entry.
// Format: UTC timestamp with a fixed 9-digit fraction + "_" + entry ID.
// Lexicographic sort = chronological.
func auditKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), id))
}

// chainHash computes sha256(prevHash || canonical JSON of entry with its own
// hash fields cleared), hex-encoded. Grounded on the append-only hash-chain
// pattern: each entry commits to the full history up to it, so any
// retroactive edit breaks the chain from that point forward.
func chainHash(prevHash string, entry model.AuditEntry) (string, error) {
	entry.HashPrev = ""
	entry.Hash = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *BoltStore) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendAuditTx(tx, &entry)
	})
}

func (s *BoltStore) AppendAuditBatch(_ context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range entries {
			if err := appendAuditTx(tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func appendAuditTx(tx *bolt.Tx, entry *model.AuditEntry) error {
	meta := tx.Bucket([]byte(bucketMeta))
	audit := tx.Bucket([]byte(bucketAudit))

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	prevHash := string(meta.Get([]byte(metaLastAuditHash)))
	entry.HashPrev = prevHash

	hash, err := chainHash(prevHash, *entry)
	if err != nil {
		return fmt.Errorf("AppendAudit chainHash: %w", err)
	}
	entry.Hash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendAudit marshal: %w", err)
	}

	key := auditKey(entry.Timestamp, entry.ID)
	if err := audit.Put(key, data); err != nil {
		return fmt.Errorf("AppendAudit bolt.Put: %w", err)
	}
	return meta.Put([]byte(metaLastAuditHash), []byte(hash))
}

func (s *BoltStore) ListAudit(_ context.Context, since, until time.Time) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		c := b.Cursor()

		var startKey []byte
		if !since.IsZero() {
			startKey = auditKey(since, "")
		}

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if startKey != nil && string(k) < string(startKey) {
				continue
			}
			var entry model.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !until.IsZero() && !entry.Timestamp.Before(until) {
				break
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) LastAuditHash(_ context.Context) (string, error) {
	var hash string
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		hash = string(meta.Get([]byte(metaLastAuditHash)))
		return nil
	})
	return hash, err
}

// PruneAudit deletes audit entries whose timestamp is before cutoff. Nothing
// inside the store calls it.
func (s *BoltStore) PruneAudit(_ context.Context, cutoff time.Time) (int, error) {
	cutoffKey := auditKey(cutoff, "")

	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneAudit delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ─── User operations ───────────────────────────────────────────────────────

func (s *BoltStore) PutUser(_ context.Context, u UserRecord) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("PutUser marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		return b.Put([]byte(u.Username), data)
	})
}

func (s *BoltStore) GetUser(_ context.Context, username string) (*UserRecord, error) {
	var rec UserRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		data := b.Get([]byte(username))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetUser(%q): %w", username, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

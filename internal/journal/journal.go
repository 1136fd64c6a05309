// Package journal keeps a persistent record of mount-table and mount-unit
// operations. The record answers "what did this tool change and when" after
// the fact, e.g. when a boot hangs on a bad entry.

package journal

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const recordsBucket = "operation_records"

// Operation kinds recorded in the journal.
const (
	OpUpsertEntry = "upsert_entry"
	OpRemoveEntry = "remove_entry"
	OpMount       = "mount"
	OpUnmount     = "unmount"
	OpRepair      = "repair"
	OpSteamAdd    = "steam_add_library"
)

// Record is one journaled operation
type Record struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"`
	Identity   string    `json:"identity,omitempty"`
	MountPoint string    `json:"mount_point,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Journal provides persistent storage for operation records
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal database, creating parent directories
// as needed
func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Append adds a record; its ID and Timestamp are assigned here
func (j *Journal) Append(r *Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))

		// Auto-increment ID
		id, _ := b.NextSequence()
		r.ID = id
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return b.Put(itob(id), data)
	})
}

// Recent returns up to limit records, newest first
func (j *Journal) Recent(limit int) ([]*Record, error) {
	var records []*Record

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		c := b.Cursor()

		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			records = append(records, &r)
		}
		return nil
	})

	return records, err
}

// ForIdentity returns all records for one device identity, oldest first
func (j *Journal) ForIdentity(identity string) ([]*Record, error) {
	var records []*Record

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		return b.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.Identity == identity {
				records = append(records, &r)
			}
			return nil
		})
	})

	return records, err
}

// Count returns the number of records
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Package ledger tracks in-flight executions on disk so a restarted
// executor can tell which sandbox resources are orphans. It is not an
// audit store; entries are deleted as soon as an execution finishes.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketActive = []byte("active_executions")

// entry is what we persist per in-flight execution
type entry struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// Ledger is a BoltDB-backed record of live execution ids
type Ledger struct {
	db *bolt.DB
}

// New opens (creating if needed) the ledger under dataDir
func New(dataDir string) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "cordon.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketActive)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// MarkStarted records an execution as live
func (l *Ledger) MarkStarted(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry{ID: id, StartedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketActive).Put([]byte(id), data)
	})
}

// MarkFinished removes an execution from the live set. Unknown ids are
// not an error.
func (l *Ledger) MarkFinished(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActive).Delete([]byte(id))
	})
}

// ActiveIDs lists executions recorded as live. After a crash these are
// the orphan candidates.
func (l *Ledger) ActiveIDs() ([]string, error) {
	var ids []string
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActive).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

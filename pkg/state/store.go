// Package state persists the attachments made through the control surface
// so they can be restored after a restart.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pojntfx/nbdadm/pkg/client"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrRecordNotFound = fmt.Errorf("attachment record not found: %w", errdefs.ErrNotFound)

	bucketAttachments = []byte("attachments")
)

// Record describes one attachment as it was made.
type Record struct {
	Instance   uint32 `json:"instance"`
	Name       string `json:"name"`
	ExportName string `json:"exportName"`
	Address    string `json:"address"`

	SessionID         string    `json:"sessionId"`
	Size              uint64    `json:"size"`
	TransmissionFlags uint16    `json:"transmissionFlags"`
	AttachedAt        time.Time `json:"attachedAt"`
}

// Export returns the descriptor negotiated when the record was made.
func (r Record) Export() client.ExportDescriptor {
	return client.ExportDescriptor{
		Name:              r.ExportName,
		Size:              r.Size,
		TransmissionFlags: r.TransmissionFlags,
	}
}

const (
	lockTimeout = 5 * time.Second
)

// Store keeps the database closed between operations so that several
// processes can share one state file.
type Store struct {
	path string
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{path}
	if err := s.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttachments)

		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}

	return s, nil
}

func (s *Store) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{
		Timeout:  lockTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	return db, nil
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(fn)
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(fn)
}

func key(instance uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, instance)

	return k
}

func (s *Store) Put(record Record) error {
	v, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).Put(key(record.Instance), v)
	})
}

func (s *Store) Get(instance uint32) (Record, error) {
	var record Record
	if err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAttachments).Get(key(instance))
		if v == nil {
			return fmt.Errorf("instance %v: %w", instance, ErrRecordNotFound)
		}

		return json.Unmarshal(v, &record)
	}); err != nil {
		return Record{}, err
	}

	return record, nil
}

// Delete removes the record of instance; deleting a missing record is not an
// error.
func (s *Store) Delete(instance uint32) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).Delete(key(instance))
	})
}

// List returns all records ordered by instance number.
func (s *Store) List() ([]Record, error) {
	records := []Record{}
	if err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt record for instance %v: %w", binary.BigEndian.Uint32(k), err)
			}

			records = append(records, record)

			return nil
		})
	}); err != nil {
		return nil, err
	}

	// Keys are big-endian, so this is already sorted unless a record lies
	// about its instance
	sort.Slice(records, func(i, j int) bool {
		return records[i].Instance < records[j].Instance
	})

	return records, nil
}

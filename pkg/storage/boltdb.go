package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/berthstack/berth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDatabases = []byte("databases")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "berth.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDatabases); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDatabases, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveDatabase records the provisioned database info for a project.
// Overwrites any previous record; the provisioner is idempotent per
// project so repeated saves carry identical info.
func (s *BoltStore) SaveDatabase(project types.ProjectName, info *types.DatabaseInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatabases)
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put([]byte(project), data)
	})
}

// GetDatabase returns the stored database info for a project.
func (s *BoltStore) GetDatabase(project types.ProjectName) (*types.DatabaseInfo, error) {
	var info types.DatabaseInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatabases)
		data := b.Get([]byte(project))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteDatabase removes the record for a project. Deleting an absent
// record is not an error.
func (s *BoltStore) DeleteDatabase(project types.ProjectName) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatabases).Delete([]byte(project))
	})
}

// ListDatabases returns all stored database records keyed by project.
func (s *BoltStore) ListDatabases() (map[types.ProjectName]*types.DatabaseInfo, error) {
	out := make(map[types.ProjectName]*types.DatabaseInfo)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatabases).ForEach(func(k, v []byte) error {
			var info types.DatabaseInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			out[types.ProjectName(k)] = &info
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

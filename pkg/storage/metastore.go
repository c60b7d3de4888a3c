// Package storage provides the raft server's durable meta-state: the
// current term, the candidate last voted for, and the most recently
// applied cluster configuration, all of which must survive a restart
// independently of the segmented log itself.
//
// Backed by a single bbolt database with one bucket per concern; every
// write commits synchronously before the caller replies to anything.
package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/ctrimble/copycat/internal/entry"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTerm   = []byte("term")
	bucketConfig = []byte("config")

	keyCurrentTerm  = []byte("current_term")
	keyLastVotedFor = []byte("last_voted_for")
	keyHasVoted     = []byte("has_voted")
	keyLatest       = []byte("latest")
)

// MetaStore is the bbolt-backed durable store for a server's term,
// lastVotedFor, and latest committed ConfigurationEntry. Unlike log
// entries, these are read back once at startup, when the server's raft
// context is built, and written synchronously on every change.
type MetaStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) the meta database under dir.
func Open(dir string) (*MetaStore, error) {
	path := filepath.Join(dir, "meta.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open meta store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTerm); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketConfig)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

// Close closes the underlying database.
func (m *MetaStore) Close() error { return m.db.Close() }

// SaveTerm durably persists the current term and, if voted is true, the
// member voted for in that term. Must be called before replying to any
// request that advanced the term or cast a vote, so a crash never
// forgets either (double voting in a term is the one mistake raft cannot
// tolerate).
func (m *MetaStore) SaveTerm(term uint64, votedFor uint64, voted bool) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTerm)
		if err := b.Put(keyCurrentTerm, encodeUint64(term)); err != nil {
			return err
		}
		if err := b.Put(keyLastVotedFor, encodeUint64(votedFor)); err != nil {
			return err
		}
		return b.Put(keyHasVoted, encodeBool(voted))
	})
}

// LoadTerm reads back the persisted term and vote, defaulting to (0, 0,
// false) on a brand-new store.
func (m *MetaStore) LoadTerm() (term, votedFor uint64, voted bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTerm)
		term = decodeUint64(b.Get(keyCurrentTerm))
		votedFor = decodeUint64(b.Get(keyLastVotedFor))
		voted = decodeBool(b.Get(keyHasVoted))
		return nil
	})
	return
}

// SaveConfiguration persists the latest applied ConfigurationEntry, used
// to reseed the cluster view on restart before any later entries are
// replayed from the log.
func (m *MetaStore) SaveConfiguration(cfg *entry.ConfigurationEntry) error {
	body, err := entry.Encode(cfg)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put(keyLatest, body)
	})
}

// LoadConfiguration returns the last persisted ConfigurationEntry, if
// any.
func (m *MetaStore) LoadConfiguration() (*entry.ConfigurationEntry, bool, error) {
	var body []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfig).Get(keyLatest)
		if v != nil {
			body = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || body == nil {
		return nil, false, err
	}
	e, err := entry.Decode(entry.KindConfiguration, body)
	if err != nil {
		return nil, false, err
	}
	return e.(*entry.ConfigurationEntry), true, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) bool {
	return len(b) == 1 && b[0] == 1
}

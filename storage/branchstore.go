package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const branchKeyPrefix = "branch:"

// BranchEntry captures the connection metadata we persist for each branch.
type BranchEntry struct {
	BranchID   int64     `json:"branchId"`
	Addr       string    `json:"addr"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	LastAuthAt time.Time `json:"lastAuthAt"`
	Connects   int       `json:"connects"`
}

// BranchStore offers a concurrency-safe persistent registry of branch
// connection metadata. The protocol server records handshakes and
// disconnects; the admin API reads it to answer "when was branch N last
// here" even across server restarts.
type BranchStore struct {
	mu sync.RWMutex

	db *leveldb.DB

	entries map[int64]*BranchEntry
}

// OpenBranchStore opens (or creates) a branch store backed by LevelDB at the
// given path.
func OpenBranchStore(path string) (*BranchStore, error) {
	if path == "" {
		return nil, errors.New("branch store path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open branch store: %w", err)
	}
	store := &BranchStore{
		db:      db,
		entries: make(map[int64]*BranchEntry),
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (bs *BranchStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.db == nil {
		return nil
	}
	err := bs.db.Close()
	bs.db = nil
	bs.entries = nil
	return err
}

// RecordOnline notes a successful authentication from the given address.
func (bs *BranchStore) RecordOnline(branchID int64, addr string, at time.Time) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	rec := bs.entries[branchID]
	if rec == nil {
		rec = &BranchEntry{BranchID: branchID, FirstSeen: at}
		bs.entries[branchID] = rec
	}
	rec.Addr = addr
	rec.LastSeen = at
	rec.LastAuthAt = at
	rec.Connects++
	_ = bs.persistLocked(rec)
}

// RecordOffline notes that the branch's connection went away.
func (bs *BranchStore) RecordOffline(branchID int64, at time.Time) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	rec := bs.entries[branchID]
	if rec == nil {
		return
	}
	rec.LastSeen = at
	_ = bs.persistLocked(rec)
}

// Get returns a branch's persisted metadata.
func (bs *BranchStore) Get(branchID int64) (BranchEntry, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	rec := bs.entries[branchID]
	if rec == nil {
		return BranchEntry{}, false
	}
	return *rec, true
}

// Snapshot returns all known branches ordered by id.
func (bs *BranchStore) Snapshot() []BranchEntry {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]BranchEntry, 0, len(bs.entries))
	for _, rec := range bs.entries {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out
}

func (bs *BranchStore) persistLocked(rec *BranchEntry) error {
	if bs.db == nil {
		return errors.New("branch store closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte(branchKeyPrefix + strconv.FormatInt(rec.BranchID, 10))
	return bs.db.Put(key, blob, nil)
}

func (bs *BranchStore) load() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	iter := bs.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, branchKeyPrefix) {
			continue
		}
		var rec BranchEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode branch %s: %w", key, err)
		}
		entry := rec
		bs.entries[rec.BranchID] = &entry
	}
	return iter.Error()
}

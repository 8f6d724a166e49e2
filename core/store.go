package core

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// statsSampleSize is the number of entries sampled when approximating the
// byte size of a partition.
const statsSampleSize = 16

// Entry is a stored response envelope. Entries are immutable once written;
// an update is a full replace.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// PartitionStats reports the entry count and approximate byte size of a
// partition. ApproxBytes is extrapolated from a small sample of entries.
type PartitionStats struct {
	Count       int   `json:"count"`
	ApproxBytes int64 `json:"approxBytes"`
}

// Store is the persistent response cache shared by all in-flight requests.
// Storage is scoped by the current generation: after SetGeneration, reads
// and writes only ever touch that generation's entries.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry stored for the key in the given partition.
	// The boolean indicates whether an entry was found at all; freshness
	// is the caller's concern.
	Get(partition, key string) (Entry, bool, error)
	// Put stores the entry under the given partition and key, replacing
	// any previous entry. Replaced entries count as newly inserted for
	// eviction ordering.
	Put(partition, key string, e Entry) error
	// ListKeys returns the partition's keys in insertion order,
	// oldest first.
	ListKeys(partition string) ([]string, error)
	// Trim deletes the oldest entries until the partition holds at most
	// maxEntries. Safe to call concurrently with Put; the count is a
	// monotonic cap, not an instantaneous one.
	Trim(partition string, maxEntries int) error
	// Delete removes a single entry, e.g. one that turned out to be
	// corrupt. Idempotent.
	Delete(partition, key string) error
	// DeletePartition removes all entries of the partition in the
	// current generation.
	DeletePartition(partition string) error
	// Stats reports entry count and approximate size for the partition.
	Stats(partition string) (PartitionStats, error)
	// SetGeneration switches the store to the given generation tag.
	SetGeneration(gen string)
	// Generations lists all generation tags with stored data.
	Generations() ([]string, error)
	// DropGenerationsExcept deletes all storage belonging to other
	// generations than the given one.
	DropGenerationsExcept(current string) error
}

// storageName embeds the generation tag in the partition storage name.
func storageName(gen, partition string) string {
	return gen + "|" + partition
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

type memPartition struct {
	entries map[string]memEntry
	order   []string
}

// MemStore is an in-memory Store for tests and the memory provider.
type MemStore struct {
	mutex *sync.RWMutex
	gen   string
	parts map[string]*memPartition
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex: &sync.RWMutex{},
		parts: make(map[string]*memPartition),
	}
}

func (m *MemStore) SetGeneration(gen string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gen = gen
}

func (m *MemStore) part(partition string) *memPartition {
	name := storageName(m.gen, partition)
	p, ok := m.parts[name]
	if !ok {
		p = &memPartition{entries: make(map[string]memEntry)}
		m.parts[name] = p
	}
	return p
}

func (m *MemStore) Get(partition, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.parts[storageName(m.gen, partition)]
	if !ok {
		return Entry{}, false, nil
	}
	e, ok := p.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Key: key, StoredAt: e.storedAt, Bytes: e.bytes}, true, nil
}

func (m *MemStore) Put(partition, key string, e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p := m.part(partition)
	if _, exists := p.entries[key]; exists {
		// a replace becomes the newest entry again
		for i, k := range p.order {
			if k == key {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.entries[key] = memEntry{storedAt: e.StoredAt, bytes: e.Bytes}
	p.order = append(p.order, key)
	return nil
}

func (m *MemStore) ListKeys(partition string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.parts[storageName(m.gen, partition)]
	if !ok {
		return nil, nil
	}
	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return keys, nil
}

func (m *MemStore) Trim(partition string, maxEntries int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.parts[storageName(m.gen, partition)]
	if !ok {
		return nil
	}
	for len(p.order) > maxEntries {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.entries, oldest)
	}
	return nil
}

func (m *MemStore) Delete(partition, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.parts[storageName(m.gen, partition)]
	if !ok {
		return nil
	}
	if _, exists := p.entries[key]; !exists {
		return nil
	}
	delete(p.entries, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemStore) DeletePartition(partition string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.parts, storageName(m.gen, partition))
	return nil
}

func (m *MemStore) Stats(partition string) (PartitionStats, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.parts[storageName(m.gen, partition)]
	if !ok {
		return PartitionStats{}, nil
	}
	stats := PartitionStats{Count: len(p.order)}
	var sampled, sampleBytes int
	for _, key := range p.order {
		if sampled >= statsSampleSize {
			break
		}
		sampleBytes += len(p.entries[key].bytes)
		sampled++
	}
	if sampled > 0 {
		stats.ApproxBytes = int64(sampleBytes/sampled) * int64(stats.Count)
	}
	return stats, nil
}

func (m *MemStore) Generations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	seen := make(map[string]struct{})
	gens := make([]string, 0)
	for name := range m.parts {
		gen := strings.SplitN(name, "|", 2)[0]
		if _, ok := seen[gen]; !ok {
			seen[gen] = struct{}{}
			gens = append(gens, gen)
		}
	}
	return gens, nil
}

func (m *MemStore) DropGenerationsExcept(current string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for name := range m.parts {
		if strings.SplitN(name, "|", 2)[0] != current {
			delete(m.parts, name)
		}
	}
	return nil
}

// SQLiteStore is the durable Store implementation. A single table holds all
// generations and partitions; insertion order is tracked by rowid, which an
// INSERT OR REPLACE renews, so a replaced entry becomes the newest again.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	genMutex   *sync.RWMutex
	gen        string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeErr(err)
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS responses (storage TEXT NOT NULL, key TEXT NOT NULL, stored_at INTEGER NOT NULL, bytes BLOB NOT NULL, PRIMARY KEY (storage, key))",
		"CREATE INDEX IF NOT EXISTS storage_idx ON responses (storage)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, storeErr(err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		genMutex:   &sync.RWMutex{},
	}, nil
}

func (s *SQLiteStore) SetGeneration(gen string) {
	s.genMutex.Lock()
	defer s.genMutex.Unlock()
	s.gen = gen
}

func (s *SQLiteStore) storage(partition string) string {
	s.genMutex.RLock()
	defer s.genMutex.RUnlock()
	return storageName(s.gen, partition)
}

func (s *SQLiteStore) Get(partition, key string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT stored_at, bytes FROM responses WHERE storage = ? AND key = ?",
		s.storage(partition), key).Scan(&storedAt, &bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storeErr(err)
	}
	return Entry{Key: key, StoredAt: time.Unix(0, storedAt), Bytes: bytes}, true, nil
}

func (s *SQLiteStore) Put(partition, key string, e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO responses (storage, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		s.storage(partition), key, e.StoredAt.UnixNano(), e.Bytes)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *SQLiteStore) ListKeys(partition string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM responses WHERE storage = ? ORDER BY rowid ASC",
		s.storage(partition))
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, storeErr(err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *SQLiteStore) Trim(partition string, maxEntries int) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	storage := s.storage(partition)
	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM responses WHERE storage = ?", storage).Scan(&count); err != nil {
		return storeErr(err)
	}
	if count <= maxEntries {
		return nil
	}
	_, err := s.db.Exec(
		"DELETE FROM responses WHERE storage = ? AND key IN (SELECT key FROM responses WHERE storage = ? ORDER BY rowid ASC LIMIT ?)",
		storage, storage, count-maxEntries)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *SQLiteStore) Delete(partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM responses WHERE storage = ? AND key = ?", s.storage(partition), key)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *SQLiteStore) DeletePartition(partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM responses WHERE storage = ?", s.storage(partition))
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *SQLiteStore) Stats(partition string) (PartitionStats, error) {
	storage := s.storage(partition)
	var stats PartitionStats
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM responses WHERE storage = ?", storage).Scan(&stats.Count); err != nil {
		return stats, storeErr(err)
	}
	if stats.Count == 0 {
		return stats, nil
	}
	var avg float64
	err := s.db.QueryRow(
		"SELECT IFNULL(AVG(LENGTH(bytes)), 0) FROM (SELECT bytes FROM responses WHERE storage = ? LIMIT ?)",
		storage, statsSampleSize).Scan(&avg)
	if err != nil {
		return stats, storeErr(err)
	}
	stats.ApproxBytes = int64(avg) * int64(stats.Count)
	return stats, nil
}

func (s *SQLiteStore) Generations() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT storage FROM responses")
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	gens := make([]string, 0)
	for rows.Next() {
		var storage string
		if err := rows.Scan(&storage); err != nil {
			return gens, storeErr(err)
		}
		gen := strings.SplitN(storage, "|", 2)[0]
		if _, ok := seen[gen]; !ok {
			seen[gen] = struct{}{}
			gens = append(gens, gen)
		}
	}
	return gens, nil
}

func (s *SQLiteStore) DropGenerationsExcept(current string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"DELETE FROM responses WHERE storage NOT LIKE ?", current+"|%")
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Package objcache is the builder's on-disk object cache: it keys a
// compiled result by an xxhash of the command line, compiler and source
// fingerprint, and serves a hit back without spawning a compiler at all.
package objcache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key accumulates the identity of one compilation for hashing. The
// client-side fingerprint stays SHA-1; this hash is purely the builder's
// local cache-lookup key and never leaves the process.
type Key struct {
	Compiler    string
	CommandLine []string
	Fingerprint string // hex SHA-1 from the client, or a body hash
}

// Hash returns the hex xxhash digest identifying this compilation.
func (k Key) Hash() string {
	h := xxhash.New()
	h.WriteString(k.Compiler)
	h.WriteString("\x00")
	cmd := make([]string, len(k.CommandLine))
	copy(cmd, k.CommandLine)
	sort.Strings(cmd)
	for _, a := range cmd {
		h.WriteString(a)
		h.WriteString("\x00")
	}
	h.WriteString(k.Fingerprint)
	sum := h.Sum64()
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> uint(56-8*i))
	}
	return hex.EncodeToString(buf)
}

// OutputFile is one file the cached compilation produced.
type OutputFile struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// Entry is a cached compilation result.
type Entry struct {
	ExitCode   int          `json:"exitCode"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	Files      []OutputFile `json:"files"`
	CreatedAt  time.Time    `json:"createdAt"`
	AccessedAt time.Time    `json:"accessedAt"`
	Hits       int64        `json:"hits"`
	size       int64
}

// Store is the builder's on-disk object cache.
type Store struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	index   map[string]*Entry
	curSize int64
}

// Open creates or loads a Store rooted at dir. Put evicts LRU entries once
// the cache grows past maxSizeMB.
func Open(dir string, maxSizeMB int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("objcache: creating cache dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		maxSize: maxSizeMB * 1024 * 1024,
		index:   map[string]*Entry{},
	}
	s.loadIndex()
	return s, nil
}

// Get returns the cached Entry for key, if present.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key]
	if !ok {
		return nil, false
	}
	e.AccessedAt = time.Now()
	e.Hits++
	cp := *e
	cp.Files = append([]OutputFile(nil), e.Files...)
	return &cp, true
}

// Put stores a compilation result under key.
func (s *Store) Put(key string, e Entry) error {
	e.CreatedAt = time.Now()
	e.AccessedAt = e.CreatedAt
	var size int64
	for _, f := range e.Files {
		size += int64(len(f.Data))
	}
	e.size = size

	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.curSize -= old.size
	}
	s.index[key] = &e
	s.curSize += size
	s.mu.Unlock()

	s.evictIfNeeded()
	return s.saveIndex()
}

func (s *Store) entryPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.dir, key+".json")
	}
	return filepath.Join(s.dir, key[:2], key+".json")
}

// persistedEntry is Entry plus its key, for the on-disk index.
type persistedEntry struct {
	Key string `json:"key"`
	Entry
}

func (s *Store) loadIndex() {
	path := filepath.Join(s.dir, "index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	for _, pe := range entries {
		e := pe.Entry
		var size int64
		for _, f := range e.Files {
			size += int64(len(f.Data))
		}
		e.size = size
		s.index[pe.Key] = &e
		s.curSize += size
	}
}

func (s *Store) saveIndex() error {
	s.mu.Lock()
	entries := make([]persistedEntry, 0, len(s.index))
	for k, e := range s.index {
		entries = append(entries, persistedEntry{Key: k, Entry: *e})
	}
	s.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, fmt.Sprintf("index.json.tmp-%d", time.Now().UnixNano()))
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, "index.json"))
}

// evictIfNeeded drops the least-recently-accessed entries until the cache
// is back under 80% of maxSize.
func (s *Store) evictIfNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize <= 0 || s.curSize <= s.maxSize {
		return
	}
	type kv struct {
		key string
		e   *Entry
	}
	var all []kv
	for k, e := range s.index {
		all = append(all, kv{k, e})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].e.AccessedAt.Before(all[j].e.AccessedAt) })
	for _, item := range all {
		if s.curSize <= s.maxSize*8/10 {
			break
		}
		delete(s.index, item.key)
		s.curSize -= item.e.size
	}
}

// HashBytes returns the hex xxhash of data, used by buildersvc to derive a
// cache-keying fingerprint from the uploaded source body when no
// client-side fingerprint travels over the wire.
func HashBytes(data []byte) string {
	h := xxhash.New()
	h.Write(data)
	sum := h.Sum64()
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> uint(56-8*i))
	}
	return hex.EncodeToString(buf)
}

// Stats summarizes the cache for hgctl/metrics reporting.
type Stats struct {
	Entries   int
	TotalSize int64
	MaxSize   int64
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entries: len(s.index), TotalSize: s.curSize, MaxSize: s.maxSize}
}

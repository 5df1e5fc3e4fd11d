package precache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrGenerationNotFound = errors.New("cache generation not found")

// CacheStorage is the origin-scoped set of named cache generations.
type CacheStorage interface {
	// Open returns the named generation, creating it when missing.
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	// Keys lists generation names.
	Keys() ([]string, error)
	// Delete removes a generation and everything in it. It reports whether the
	// generation existed.
	Delete(name string) (bool, error)
	Close() error
}

// Cache is one generation. Put overwrites; the last writer for a key wins.
type Cache interface {
	Name() string
	Match(key string) (CacheEntry, bool, error)
	Put(key string, ent CacheEntry) error
	// PutAll stores every entry or none of them.
	PutAll(entries map[string]CacheEntry) error
	Keys() ([]string, error)
	Delete(key string) (bool, error)
}

// diskBackend is a persistent key-value layout for generations. Values are
// gob-encoded CacheEntry blobs.
type diskBackend interface {
	Get(gen, key string) ([]byte, bool, error)
	CreateGeneration(gen string) error
	Generations() ([]string, error)
	Keys(gen string) ([]string, error)
	// Write stores all values for gen atomically.
	Write(gen string, vals map[string][]byte) error
	DeleteKey(gen, key string) error
	DropGeneration(gen string) error
	Close() error
}

type diskOp struct {
	gen  string
	key  string
	val  []byte
	del  bool
	drop bool
	done chan error
}

// Storage layers a shared RAM LRU over an optional disk backend. Without a
// backend the RAM tier is the only copy, and overflow evictions are lost.
type Storage struct {
	disk        diskBackend
	ram         *ramCache
	logger      *zap.Logger
	overflowLog *rateLimitedLogger

	mu   sync.Mutex
	live map[string]struct{}

	ops  chan diskOp
	done chan struct{}
}

func OpenStorage(cfg Config, logger *zap.Logger) (*Storage, error) {
	var (
		disk diskBackend
		err  error
	)
	switch cfg.Storage.Backend {
	case "leveldb":
		disk, err = openLevelDB(cfg.Storage.Path)
	case "badger":
		disk, err = openBadger(cfg.Storage.Path)
	case "memory":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage at %s: %w", cfg.Storage.Backend, cfg.Storage.Path, err)
	}
	return newStorage(disk, cfg.Storage.ramMaxBytes, logger)
}

func newStorage(disk diskBackend, ramMax int64, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Storage{
		disk:        disk,
		ram:         newRAMCache(ramMax),
		logger:      logger,
		overflowLog: newRateLimitedLogger(logger),
		live:        map[string]struct{}{},
	}
	if disk != nil {
		names, err := disk.Generations()
		if err != nil {
			_ = disk.Close()
			return nil, err
		}
		for _, n := range names {
			s.live[n] = struct{}{}
		}
		s.ops = make(chan diskOp, 1024)
		s.done = make(chan struct{})
		go s.writerLoop()
	}
	return s, nil
}

func (s *Storage) Close() error {
	if s.disk == nil {
		return nil
	}
	close(s.ops)
	<-s.done
	return s.disk.Close()
}

func (s *Storage) Open(name string) (Cache, error) {
	if name == "" {
		return nil, errors.New("empty generation name")
	}
	s.mu.Lock()
	_, ok := s.live[name]
	s.mu.Unlock()
	if !ok {
		if s.disk != nil {
			if err := s.disk.CreateGeneration(name); err != nil {
				return nil, err
			}
		}
		s.mu.Lock()
		s.live[name] = struct{}{}
		s.mu.Unlock()
	}
	return &generation{s: s, name: name}, nil
}

func (s *Storage) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[name]
	return ok, nil
}

func (s *Storage) Keys() ([]string, error) {
	s.mu.Lock()
	out := make([]string, 0, len(s.live))
	for k := range s.live {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.live[name]
	delete(s.live, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	s.ram.DeletePrefix(ramKey(name, ""))
	if s.disk == nil {
		return true, nil
	}
	// Queued behind pending puts so none of them outlives the drop.
	done := make(chan error, 1)
	s.ops <- diskOp{gen: name, drop: true, done: done}
	if err := <-done; err != nil {
		return true, fmt.Errorf("drop generation %q: %w", name, err)
	}
	return true, nil
}

// RAMSize is the encoded size of everything held in the RAM tier.
func (s *Storage) RAMSize() int64 { return s.ram.TotalSize() }

func (s *Storage) isLive(name string) bool {
	s.mu.Lock()
	_, ok := s.live[name]
	s.mu.Unlock()
	return ok
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		var err error
		switch {
		case op.drop:
			err = s.disk.DropGeneration(op.gen)
		case !s.isLive(op.gen):
			// generation swept while the op was queued
		case op.del:
			err = s.disk.DeleteKey(op.gen, op.key)
		default:
			err = s.disk.Write(op.gen, map[string][]byte{op.key: op.val})
		}
		if err != nil && op.done == nil {
			s.logger.Warn("disk write failed",
				zap.String("generation", op.gen),
				zap.String("key", op.key),
				zap.Error(err))
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

type generation struct {
	s    *Storage
	name string
}

func (g *generation) Name() string { return g.name }

func (g *generation) Match(key string) (CacheEntry, bool, error) {
	if !g.s.isLive(g.name) {
		return CacheEntry{}, false, ErrGenerationNotFound
	}
	rk := ramKey(g.name, key)
	if ent, ok := g.s.ram.Get(rk); ok {
		return ent, true, nil
	}
	if g.s.disk == nil {
		return CacheEntry{}, false, nil
	}
	b, ok, err := g.s.disk.Get(g.name, key)
	if err != nil || !ok {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	g.s.ramPut(rk, ent, int64(len(b)))
	return ent, true, nil
}

func (g *generation) Put(key string, ent CacheEntry) error {
	if !g.s.isLive(g.name) {
		return ErrGenerationNotFound
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	g.s.ramPut(ramKey(g.name, key), ent, int64(len(b)))
	if g.s.disk != nil {
		g.s.ops <- diskOp{gen: g.name, key: key, val: b}
	}
	return nil
}

func (g *generation) PutAll(entries map[string]CacheEntry) error {
	if !g.s.isLive(g.name) {
		return ErrGenerationNotFound
	}
	vals := make(map[string][]byte, len(entries))
	for k, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %q: %w", k, err)
		}
		vals[k] = b
	}
	if g.s.disk != nil {
		if err := g.s.disk.Write(g.name, vals); err != nil {
			return err
		}
	}
	for k, ent := range entries {
		g.s.ramPut(ramKey(g.name, k), ent, int64(len(vals[k])))
	}
	return nil
}

func (g *generation) Keys() ([]string, error) {
	if !g.s.isLive(g.name) {
		return nil, ErrGenerationNotFound
	}
	seen := map[string]struct{}{}
	prefix := ramKey(g.name, "")
	for _, k := range g.s.ram.Keys() {
		if strings.HasPrefix(k, prefix) {
			seen[strings.TrimPrefix(k, prefix)] = struct{}{}
		}
	}
	if g.s.disk != nil {
		keys, err := g.s.disk.Keys(g.name)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (g *generation) Delete(key string) (bool, error) {
	if !g.s.isLive(g.name) {
		return false, ErrGenerationNotFound
	}
	existed := g.s.ram.Delete(ramKey(g.name, key))
	if g.s.disk != nil {
		if !existed {
			_, ok, err := g.s.disk.Get(g.name, key)
			if err != nil {
				return false, err
			}
			existed = ok
		}
		// Wait so a queued put for key cannot resurrect it after we return.
		done := make(chan error, 1)
		g.s.ops <- diskOp{gen: g.name, key: key, del: true, done: done}
		if err := <-done; err != nil {
			return existed, err
		}
	}
	return existed, nil
}

func (s *Storage) ramPut(key string, ent CacheEntry, size int64) {
	evicted, fits := s.ram.Put(key, ent, size)
	if !fits && s.disk == nil {
		s.overflowLog.Warn("entry larger than RAM budget, not cached", zap.String("key", key), zap.Int64("size", size))
		return
	}
	if evicted > 0 && s.disk == nil {
		s.overflowLog.Warn("RAM cache overflow, evicting", zap.Int("evicted", evicted))
	}
}

func ramKey(gen, key string) string {
	return gen + "\x00" + key
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(it)
	return true
}

func (c *ramCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
			n++
		}
	}
	return n
}

// Put stores ent and returns how many items were evicted to make room. fits is
// false when the entry alone exceeds the budget; it is then not stored.
func (c *ramCache) Put(key string, ent CacheEntry, sz int64) (evicted int, fits bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		if it, ok := c.items[key]; ok {
			c.removeLocked(it)
		}
		return 0, false
	}

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil && c.tail != c.head {
		evicted += c.evictLocked()
	}
	return evicted, true
}

// evictLocked drops the 10% least-recently-used items, never the head.
func (c *ramCache) evictLocked() int {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	dropped := 0
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil || it == c.head {
			break
		}
		c.removeLocked(it)
		dropped++
	}
	return dropped
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

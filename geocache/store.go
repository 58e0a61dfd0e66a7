// Package geocache persists geocode provider answers in a Pebble key/value
// store so repeated crawls do not ask the provider for the same call again
// inside the cache TTL.
package geocache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"packetmap/model"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	recordVersion    = 1
	recordHeaderSize = 1 + 8 + 8 + 8 + 1
	purgeBatchCap    = 1024
)

const (
	callPrefix    = "c|"
	updatedPrefix = "u|"
	metaCountKey  = "meta|count"
)

var (
	errStoreClosed   = errors.New("geocache: store is closed")
	errInvalidRecord = errors.New("geocache: invalid record encoding")
)

const (
	defaultCacheSizeBytes  = int64(8 << 20)
	defaultBloomFilterBits = 10
	defaultMemTableSize    = uint64(4 << 20)
	defaultWriteQueueDepth = 16
)

// Options tunes Pebble. Zero fields take defaults sized for a single crawler.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	WriteQueueDepth       int
}

// Entry is one cached provider answer.
type Entry struct {
	Call      string
	Location  model.Location
	UpdatedAt time.Time
}

// Store manages the Pebble database. All writes go through one goroutine.
type Store struct {
	db     *pebble.DB
	writes chan writeRequest
	done   chan struct{}
	cache  *pebble.Cache

	mu     sync.Mutex
	closed bool
	count  atomic.Int64
}

type writeKind int

const (
	writePut writeKind = iota
	writePurge
)

type writeRequest struct {
	kind   writeKind
	entry  Entry
	cutoff time.Time
	resp   chan writeResult
}

type writeResult struct {
	removed int64
	err     error
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSize
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	return opts
}

// Open opens or creates the cache directory at path.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("geocache: database path is empty")
	}
	opts = sanitizeOptions(opts)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("geocache: %s exists and is not a directory", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("geocache: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("geocache: open: %w", err)
	}
	count, err := loadCount(db)
	if err != nil {
		_ = db.Close()
		pebbleOpts.Cache.Unref()
		return nil, err
	}
	s := &Store{
		db:     db,
		writes: make(chan writeRequest, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		cache:  pebbleOpts.Cache,
	}
	s.count.Store(count)
	go s.writeLoop()
	return s, nil
}

// Close drains the writer and closes Pebble.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closeWriter() {
		<-s.done
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Get returns the entry for call, or (nil, nil) when none is cached.
func (s *Store) Get(call string) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("geocache: store is not initialized")
	}
	call = normalizeCall(call)
	if call == "" {
		return nil, errors.New("geocache: call is empty")
	}
	value, closer, err := s.db.Get(callKeyBytes(call))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("geocache: get %s: %w", call, err)
	}
	defer closer.Close()
	entry, err := decodeEntry(call, value)
	if err != nil {
		return nil, fmt.Errorf("geocache: decode %s: %w", call, err)
	}
	return &entry, nil
}

// Put stores or replaces the entry for e.Call.
func (s *Store) Put(e Entry) error {
	e.Call = normalizeCall(e.Call)
	if e.Call == "" {
		return errors.New("geocache: call is empty")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	result, err := s.submit(writeRequest{kind: writePut, entry: e})
	if err != nil {
		return err
	}
	return result.err
}

// PurgeOlderThan deletes entries last updated at or before cutoff.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.submit(writeRequest{kind: writePurge, cutoff: cutoff})
	if err != nil {
		return 0, err
	}
	return result.removed, result.err
}

// Count returns the number of cached calls.
func (s *Store) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count.Load()
}

func (s *Store) submit(req writeRequest) (writeResult, error) {
	if s == nil || s.db == nil {
		return writeResult{}, errors.New("geocache: store is not initialized")
	}
	req.resp = make(chan writeResult, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return writeResult{}, errStoreClosed
	}
	s.writes <- req
	s.mu.Unlock()
	return <-req.resp, nil
}

func (s *Store) closeWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.writes)
	return true
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		var result writeResult
		switch req.kind {
		case writePut:
			result.err = s.applyPut(req.entry)
		case writePurge:
			result.removed, result.err = s.applyPurge(req.cutoff)
		default:
			result.err = fmt.Errorf("geocache: unknown write request")
		}
		req.resp <- result
	}
}

func (s *Store) applyPut(e Entry) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	updated := e.UpdatedAt.UTC().Unix()
	prevUpdated, found, err := s.updatedAt(e.Call)
	if err != nil {
		return err
	}
	if found && prevUpdated != updated {
		if err := batch.Delete(updatedKeyBytes(prevUpdated, e.Call), nil); err != nil {
			return fmt.Errorf("geocache: batch delete idx %s: %w", e.Call, err)
		}
	}
	if err := batch.Set(callKeyBytes(e.Call), encodeEntry(e), nil); err != nil {
		return fmt.Errorf("geocache: batch set %s: %w", e.Call, err)
	}
	if err := batch.Set(updatedKeyBytes(updated, e.Call), nil, nil); err != nil {
		return fmt.Errorf("geocache: batch set idx %s: %w", e.Call, err)
	}
	count := s.count.Load()
	if !found {
		count++
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("geocache: batch set count: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("geocache: batch commit: %w", err)
	}
	s.count.Store(count)
	return nil
}

func (s *Store) applyPurge(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	cutoffUnix := cutoff.UTC().Unix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(updatedPrefix),
		UpperBound: updatedKeyBytes(cutoffUnix+1, ""),
	})
	if err != nil {
		return 0, fmt.Errorf("geocache: purge iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()
	count := s.count.Load()
	var pending, removed int64
	commit := func() error {
		if pending == 0 {
			return nil
		}
		count -= pending
		if count < 0 {
			count = 0
		}
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("geocache: purge set count: %w", err)
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("geocache: purge commit: %w", err)
		}
		batch.Reset()
		removed += pending
		pending = 0
		return nil
	}
	for iter.First(); iter.Valid(); iter.Next() {
		_, call, ok := parseUpdatedKey(iter.Key())
		if !ok {
			continue
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return removed, fmt.Errorf("geocache: purge delete idx %s: %w", call, err)
		}
		if err := batch.Delete(callKeyBytes(call), nil); err != nil {
			return removed, fmt.Errorf("geocache: purge delete %s: %w", call, err)
		}
		pending++
		if pending >= purgeBatchCap {
			if err := commit(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return removed, fmt.Errorf("geocache: purge iterate: %w", err)
	}
	if err := commit(); err != nil {
		return removed, err
	}
	s.count.Store(count)
	return removed, nil
}

func (s *Store) updatedAt(call string) (int64, bool, error) {
	value, closer, err := s.db.Get(callKeyBytes(call))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("geocache: get %s: %w", call, err)
	}
	defer closer.Close()
	e, err := decodeEntry(call, value)
	if err != nil {
		return 0, false, fmt.Errorf("geocache: decode %s: %w", call, err)
	}
	return e.UpdatedAt.Unix(), true, nil
}

// Record layout: version, lat bits, lon bits, updated unix, grid length, grid.
func encodeEntry(e Entry) []byte {
	grid := e.Location.Grid
	if len(grid) > 255 {
		grid = grid[:255]
	}
	buf := make([]byte, recordHeaderSize+len(grid))
	buf[0] = recordVersion
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(e.Location.Lat))
	binary.BigEndian.PutUint64(buf[9:], math.Float64bits(e.Location.Lon))
	binary.BigEndian.PutUint64(buf[17:], uint64(e.UpdatedAt.UTC().Unix()))
	buf[25] = byte(len(grid))
	copy(buf[recordHeaderSize:], grid)
	return buf
}

func decodeEntry(call string, raw []byte) (Entry, error) {
	if len(raw) < recordHeaderSize || raw[0] != recordVersion {
		return Entry{}, errInvalidRecord
	}
	gridLen := int(raw[25])
	if len(raw) != recordHeaderSize+gridLen {
		return Entry{}, errInvalidRecord
	}
	return Entry{
		Call: call,
		Location: model.Location{
			Lat:  math.Float64frombits(binary.BigEndian.Uint64(raw[1:])),
			Lon:  math.Float64frombits(binary.BigEndian.Uint64(raw[9:])),
			Grid: string(raw[recordHeaderSize:]),
		},
		UpdatedAt: time.Unix(int64(binary.BigEndian.Uint64(raw[17:])), 0).UTC(),
	}, nil
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadCount(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err == nil {
		defer closer.Close()
		if len(value) == 8 {
			return int64(binary.BigEndian.Uint64(value)), nil
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("geocache: read count: %w", err)
	}
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(callPrefix),
		UpperBound: prefixUpperBound([]byte(callPrefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("geocache: count iterator: %w", err)
	}
	defer iter.Close()
	var count int64
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("geocache: count iterate: %w", err)
	}
	return count, nil
}

func normalizeCall(call string) string {
	return strings.ToUpper(strings.TrimSpace(call))
}

func callKeyBytes(call string) []byte {
	return append([]byte(callPrefix), call...)
}

func updatedKeyBytes(updatedAt int64, call string) []byte {
	buf := make([]byte, len(updatedPrefix)+8+len(call))
	copy(buf, updatedPrefix)
	binary.BigEndian.PutUint64(buf[len(updatedPrefix):], uint64(updatedAt))
	copy(buf[len(updatedPrefix)+8:], call)
	return buf
}

func parseUpdatedKey(key []byte) (int64, string, bool) {
	prefix := []byte(updatedPrefix)
	if len(key) <= len(prefix)+8 || !bytes.HasPrefix(key, prefix) {
		return 0, "", false
	}
	ts := int64(binary.BigEndian.Uint64(key[len(prefix):]))
	return ts, string(key[len(prefix)+8:]), true
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

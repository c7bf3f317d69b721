package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FileStore implements Store using a JSON file.
//
// Writes land in memory and are flushed every FlushInterval and on Close, so a
// crash can lose the last few seconds of ledger entries. It does not support more
// than one process sharing the file; use postgres or mongodb for that.
type FileStore struct {
	filePath    string
	mu          sync.RWMutex
	settlements map[string]SettlementRecord
	dirty       bool
	now         func() time.Time
	flushTicker *time.Ticker
	stopFlush   chan struct{}
	flushDone   chan struct{}
	closeOnce   sync.Once
}

// fileData represents the JSON structure stored in the file.
type fileData struct {
	Settlements map[string]SettlementRecord `json:"settlements"`
}

// NewFileStore creates a new file-backed store, loading any existing ledger.
func NewFileStore(filePath string) (*FileStore, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	store := &FileStore{
		filePath:    filePath,
		settlements: make(map[string]SettlementRecord),
		now:         time.Now,
		flushTicker: time.NewTicker(FlushInterval),
		stopFlush:   make(chan struct{}),
		flushDone:   make(chan struct{}),
	}

	if err := store.load(); err != nil {
		store.flushTicker.Stop()
		return nil, err
	}

	go store.periodicFlush()

	return store, nil
}

// load reads data from the file.
func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if fd.Settlements != nil {
		s.settlements = fd.Settlements
	}
	return nil
}

// saveData writes the given data to disk via a temp file and rename.
func (s *FileStore) saveData(data fileData) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// periodicFlush writes dirty state every FlushInterval.
func (s *FileStore) periodicFlush() {
	defer close(s.flushDone)

	for {
		select {
		case <-s.stopFlush:
			return
		case <-s.flushTicker.C:
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Str("path", s.filePath).Msg("storage.file_flush_failed")
			}
		}
	}
}

// Flush writes the ledger to disk if anything changed since the last flush.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := copyMap(s.settlements)
	s.dirty = false
	s.mu.Unlock()

	if err := s.saveData(fileData{Settlements: snapshot}); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// copyMap creates a shallow copy of a map.
func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RecordSettlement upserts rec.
func (s *FileStore) RecordSettlement(_ context.Context, rec SettlementRecord) error {
	if err := prepareRecord(&rec, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.settlements[rec.Key]; ok {
		merged, changed := mergeRecord(existing, rec)
		if !changed {
			return nil
		}
		rec = merged
	}
	s.settlements[rec.Key] = rec
	s.dirty = true
	return nil
}

// GetSettlement returns the record for key.
func (s *FileStore) GetSettlement(_ context.Context, key SettlementKey) (SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.settlements[key.String()]
	if !ok {
		return SettlementRecord{}, ErrNotFound
	}
	return rec, nil
}

// Ping checks that the ledger directory is still present.
func (s *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat ledger directory: %w", err)
	}
	return nil
}

// Close stops the flush loop and writes any pending changes.
func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopFlush)
		s.flushTicker.Stop()
		<-s.flushDone
		err = s.Flush()
	})
	return err
}

package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/httputil"
)

// NewDLQStore builds the dead letter queue named by cfg: nil when disabled,
// a FileDLQStore when a path is set, otherwise in memory.
func NewDLQStore(cfg config.CallbacksConfig) (DLQStore, error) {
	if !cfg.DLQEnabled {
		return nil, nil
	}
	if cfg.DLQPath == "" {
		return NewMemoryDLQStore(), nil
	}
	return NewFileDLQStore(cfg.DLQPath)
}

// NoopDLQStore is a DLQ store that discards all failed webhooks.
type NoopDLQStore struct{}

func (NoopDLQStore) SaveFailedWebhook(context.Context, FailedWebhook) error { return nil }
func (NoopDLQStore) ListFailedWebhooks(context.Context, int) ([]FailedWebhook, error) {
	return []FailedWebhook{}, nil
}
func (NoopDLQStore) DeleteFailedWebhook(context.Context, string) error { return nil }

// MemoryDLQStore stores failed webhooks in memory (for testing/development).
type MemoryDLQStore struct {
	mu       sync.RWMutex
	webhooks map[string]FailedWebhook
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{webhooks: make(map[string]FailedWebhook)}
}

func (m *MemoryDLQStore) SaveFailedWebhook(_ context.Context, webhook FailedWebhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[webhook.ID] = mergeAttempts(m.webhooks[webhook.ID], webhook)
	return nil
}

func (m *MemoryDLQStore) ListFailedWebhooks(_ context.Context, limit int) ([]FailedWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.webhooks, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

// FileDLQStore stores failed webhooks in a JSON file, rewritten on every change.
type FileDLQStore struct {
	mu       sync.RWMutex
	filePath string
	webhooks map[string]FailedWebhook
}

// NewFileDLQStore creates a file-based DLQ store, loading any existing entries.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath: filePath,
		webhooks: make(map[string]FailedWebhook),
	}
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}
	return store, nil
}

func (f *FileDLQStore) SaveFailedWebhook(_ context.Context, webhook FailedWebhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[webhook.ID] = mergeAttempts(f.webhooks[webhook.ID], webhook)
	return f.persist()
}

func (f *FileDLQStore) ListFailedWebhooks(_ context.Context, limit int) ([]FailedWebhook, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return oldestFirst(f.webhooks, limit), nil
}

func (f *FileDLQStore) DeleteFailedWebhook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	var webhooks map[string]FailedWebhook
	if err := json.Unmarshal(data, &webhooks); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	if webhooks != nil {
		f.webhooks = webhooks
	}
	return nil
}

func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.webhooks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}
	if dir := filepath.Dir(f.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create DLQ directory: %w", err)
		}
	}

	// Write to a temp file, then rename.
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}
	return nil
}

// Close is a no-op; every change is already on disk.
func (f *FileDLQStore) Close() error {
	return nil
}

// mergeAttempts keeps the first-seen time and accumulates attempts when an
// event lands in the DLQ more than once.
func mergeAttempts(prev, next FailedWebhook) FailedWebhook {
	if prev.ID == "" {
		return next
	}
	next.CreatedAt = prev.CreatedAt
	next.Attempts += prev.Attempts
	return next
}

func oldestFirst(webhooks map[string]FailedWebhook, limit int) []FailedWebhook {
	result := make([]FailedWebhook, 0, len(webhooks))
	for _, webhook := range webhooks {
		result = append(result, webhook)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ErrWebhookNotFound is returned when a DLQ entry does not exist.
var ErrWebhookNotFound = errors.New("callbacks: webhook not found in DLQ")

// Redeliver posts a DLQ entry once more to its original URL. A delivered entry
// is removed; a failed one stays with its attempt count and error updated.
func Redeliver(ctx context.Context, store DLQStore, id string, timeout time.Duration) error {
	entries, err := store.ListFailedWebhooks(ctx, 0)
	if err != nil {
		return fmt.Errorf("list DLQ: %w", err)
	}
	var entry *FailedWebhook
	for i := range entries {
		if entries[i].ID == id {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return ErrWebhookNotFound
	}

	payload := []byte(entry.Payload)
	var templated string
	if json.Unmarshal(entry.Payload, &templated) == nil {
		// Non-JSON bodies are stored as JSON strings.
		payload = []byte(templated)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	sendErr := post(ctx, httputil.NewClient(timeout), entry.URL, entry.Headers, payload)
	if sendErr == nil {
		return store.DeleteFailedWebhook(ctx, id)
	}

	retry := *entry
	retry.Attempts = 1
	retry.LastError = sendErr.Error()
	retry.LastAttempt = time.Now().UTC()
	if err := store.SaveFailedWebhook(ctx, retry); err != nil {
		return fmt.Errorf("update DLQ entry: %w", err)
	}
	return sendErr
}

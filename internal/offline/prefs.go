package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
)

const (
	prefsTable      = "prefs"
	checklistKey    = "checklist"
	syncMetadataKey = "sync_metadata"
	settingPrefix   = "setting:"
)

// Checklist maps a checklist section to item completion flags.
type Checklist map[string]map[string]bool

// Prefs is the small synchronous tier for UI blobs and SyncMetadata. Every
// call completes before returning; failures are logged and resolve to
// defaults.
type Prefs struct {
	store  kv.Store
	logger *zap.Logger
}

// NewPrefs returns Prefs on store.
func NewPrefs(store kv.Store, logger *zap.Logger) *Prefs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prefs{store: store, logger: logger}
}

// Checklist returns the stored checklist, or an empty one.
func (p *Prefs) Checklist(ctx context.Context) Checklist {
	out := Checklist{}
	if _, err := p.get(ctx, checklistKey, &out); err != nil {
		p.fail("checklist", "get", err)
		return Checklist{}
	}
	return out
}

// SaveChecklist replaces the stored checklist.
func (p *Prefs) SaveChecklist(ctx context.Context, c Checklist) bool {
	if c == nil {
		c = Checklist{}
	}
	if err := p.put(ctx, checklistKey, c); err != nil {
		p.fail("checklist", "save", err)
		return false
	}
	return true
}

// Setting decodes the setting key into dst. Returns false when absent or unreadable.
func (p *Prefs) Setting(ctx context.Context, key string, dst any) bool {
	found, err := p.get(ctx, settingPrefix+key, dst)
	if err != nil {
		p.fail("settings", "get", err)
		return false
	}
	return found
}

// SaveSetting stores v under key.
func (p *Prefs) SaveSetting(ctx context.Context, key string, v any) bool {
	if strings.TrimSpace(key) == "" {
		p.fail("settings", "save", errors.New("empty setting key"))
		return false
	}
	if err := p.put(ctx, settingPrefix+key, v); err != nil {
		p.fail("settings", "save", err)
		return false
	}
	return true
}

// SyncMetadata returns the stored sync times. Absent metadata is empty, not an error.
func (p *Prefs) SyncMetadata(ctx context.Context) (models.SyncMetadata, error) {
	md := models.SyncMetadata{}
	if _, err := p.get(ctx, syncMetadataKey, &md); err != nil {
		return nil, err
	}
	return md, nil
}

func (p *Prefs) saveSyncMetadata(ctx context.Context, md models.SyncMetadata) error {
	return p.put(ctx, syncMetadataKey, md)
}

// Close releases the underlying store.
func (p *Prefs) Close() error {
	return p.store.Close()
}

func (p *Prefs) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := p.store.Get(ctx, prefsTable, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %w", ErrStorageFailure, key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: decode %s: %w", ErrStorageFailure, key, err)
	}
	return true, nil
}

func (p *Prefs) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorageFailure, key, err)
	}
	if err := p.store.Put(ctx, prefsTable, key, raw); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrStorageFailure, key, err)
	}
	return nil
}

func (p *Prefs) fail(table, op string, err error) {
	observability.StoreOperationsTotal.WithLabelValues(table, op, "error").Inc()
	p.logger.Warn("prefs operation failed", zap.String("table", table), zap.String("op", op), zap.Error(err))
}

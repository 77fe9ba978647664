package seed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/server"
)

// Reloader swaps the dev store's fixture without a restart: the registry's
// declared collections are replaced and the bundle's rows reapplied. Rows
// already present keep their state; only new ids are inserted.
type Reloader struct {
	registry *server.Registry
	backend  server.Backend
	logger   *zap.Logger

	// prevents concurrent reloads
	reloadMu sync.Mutex

	stateMu     sync.RWMutex
	currentPath string
	loadedAt    time.Time
}

// NewReloader creates a Reloader around the running registry and backend.
// fixturePath is the default path re-read when a reload names no other.
func NewReloader(registry *server.Registry, backend server.Backend, fixturePath string, logger *zap.Logger) *Reloader {
	return &Reloader{
		registry:    registry,
		backend:     backend,
		logger:      logger,
		currentPath: fixturePath,
		loadedAt:    time.Now(),
	}
}

// CurrentPath returns the fixture path last applied.
func (r *Reloader) CurrentPath() string {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.currentPath
}

// LoadedAt returns when the current fixture was applied.
func (r *Reloader) LoadedAt() time.Time {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.loadedAt
}

// ReloadResult describes a completed reload.
type ReloadResult struct {
	PreviousPath string    `json:"previous_path"`
	Path         string    `json:"path"`
	LoadedAt     time.Time `json:"loaded_at"`
	Collections  int       `json:"collections"`
	RowsInserted int       `json:"rows_inserted"`
	RowsSkipped  int       `json:"rows_skipped"`
}

// Reload re-reads the fixture at path (or the current path when empty) and
// applies it. The registry swap happens only after the file parses, so a
// broken fixture leaves the running schema intact.
func (r *Reloader) Reload(path string) (*ReloadResult, error) {
	if !r.reloadMu.TryLock() {
		return nil, fmt.Errorf("reload already in progress")
	}
	defer r.reloadMu.Unlock()

	previousPath := r.CurrentPath()
	if path == "" {
		path = previousPath
	}
	if path == "" {
		return nil, fmt.Errorf("no fixture path configured")
	}

	r.logger.Info("starting fixture reload",
		zap.String("previousPath", previousPath),
		zap.String("path", path),
	)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("fixture not readable: %w", err)
	}

	bundle, err := Load(path)
	if err != nil {
		return nil, err
	}

	r.registry.Replace(bundle.Collections)

	// Rows whose ids already exist keep their current state.
	inserted, skipped := 0, 0
	for name, rows := range bundle.Records {
		for _, row := range rows {
			if row.ID() == "" {
				skipped++
				continue
			}
			if err := r.backend.Insert(name, row); err != nil {
				skipped++
				continue
			}
			inserted++
		}
	}

	r.stateMu.Lock()
	r.currentPath = path
	r.loadedAt = time.Now()
	loadedAt := r.loadedAt
	r.stateMu.Unlock()

	r.logger.Info("fixture reload complete",
		zap.String("path", path),
		zap.Int("collections", len(bundle.Collections)),
		zap.Int("rowsInserted", inserted),
		zap.Int("rowsSkipped", skipped),
	)

	return &ReloadResult{
		PreviousPath: previousPath,
		Path:         path,
		LoadedAt:     loadedAt,
		Collections:  len(bundle.Collections),
		RowsInserted: inserted,
		RowsSkipped:  skipped,
	}, nil
}

// ServeHTTP handles POST /v1/reload with an optional {"path": "..."} body.
func (r *Reloader) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if req.Body != nil {
		// An empty body means "reload the current fixture".
		_ = json.NewDecoder(req.Body).Decode(&body)
	}

	result, err := r.Reload(body.Path)
	if err != nil {
		r.logger.Warn("fixture reload failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/record"
)

// Server serves the dev store's REST surface.
type Server struct {
	registry *Registry
	backend  Backend
	feed     *Feed
	logger   *zap.Logger
}

// NewServer wires the registry, the row backend, and the change feed.
func NewServer(registry *Registry, backend Backend, feed *Feed, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		backend:  backend,
		feed:     feed,
		logger:   logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// filterFromQuery extracts the single equality filter, if any, from
// PostgREST-style query parameters (column=eq.value).
func filterFromQuery(q url.Values) (column, value string) {
	for key, vals := range q {
		if key == "select" || key == "key" || len(vals) == 0 {
			continue
		}
		if v, ok := strings.CutPrefix(vals[0], "eq."); ok {
			return key, v
		}
	}
	return "", ""
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	projection := r.URL.Query().Get("select")
	filterColumn, filterValue := filterFromQuery(r.URL.Query())

	if err := s.registry.ValidateQuery(collection, projection, filterColumn); err != nil {
		s.respondValidation(w, collection, err)
		return
	}

	rows, err := s.backend.List(collection)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if filterColumn != "" {
		filtered := rows[:0:0]
		for _, row := range rows {
			if v, ok := row[filterColumn]; ok && fmt.Sprintf("%v", v) == filterValue {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if rows == nil {
		rows = []record.Record{}
	}

	writeJSON(w, http.StatusOK, Project(rows, projection))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var payload record.Record
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding payload: %w", err))
		return
	}

	if err := s.registry.ValidateWrite(collection, payload); err != nil {
		s.respondValidation(w, collection, err)
		return
	}

	row := payload.Clone()
	if row.ID() == "" {
		row[record.IDField] = uuid.New().String()
	}

	if err := s.backend.Insert(collection, row); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	s.logger.Debug("record created",
		zap.String("collection", collection),
		zap.String("id", row.ID()),
	)
	s.feed.Broadcast(record.ChangeEvent{
		Type:       record.EventInsert,
		Collection: collection,
		Record:     row,
	})
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	var patch record.Record
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding payload: %w", err))
		return
	}

	// Patches carry partial rows, so only the column check applies; the
	// attribution policy was enforced when the row was created.
	if err := s.registry.ValidateWrite(collection, patch); err != nil && !isPolicyError(err) {
		s.respondValidation(w, collection, err)
		return
	}

	row, err := s.backend.Update(collection, id, patch)
	if errors.Is(err, ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.feed.Broadcast(record.ChangeEvent{
		Type:       record.EventUpdate,
		Collection: collection,
		Record:     row,
	})
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	if _, ok := s.registry.Lookup(collection); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("collection %q not found", collection))
		return
	}

	err := s.backend.Delete(collection, id)
	if errors.Is(err, ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.feed.Broadcast(record.ChangeEvent{
		Type:       record.EventDelete,
		Collection: collection,
		ID:         id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"collections": s.registry.Names()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondValidation maps registry errors onto the wire: policy rejections
// are 403, unknown collections 404, schema drift 400.
func (s *Server) respondValidation(w http.ResponseWriter, collection string, err error) {
	switch {
	case isPolicyError(err):
		s.logger.Warn("write rejected by policy",
			zap.String("collection", collection),
			zap.Error(err),
		)
		writeError(w, http.StatusForbidden, err)
	case strings.Contains(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

// Package api exposes the tracking engine over JSON endpoints: entity
// mutations, history queries, and reverts.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openatlas/trail/internal/auth"
	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/historyloader"
	"github.com/openatlas/trail/internal/tracker"
)

type Handler struct {
	tracker *tracker.Tracker
	loader  *historyloader.HistoryLoader
	mux     *http.ServeMux
}

func NewHTTPHandler(t *tracker.Tracker, loader *historyloader.HistoryLoader) http.Handler {
	h := &Handler{tracker: t, loader: loader, mux: http.NewServeMux()}
	h.mux.HandleFunc("/entities", h.handleEntities)
	h.mux.HandleFunc("/entities/relations", h.handleRelations)
	h.mux.HandleFunc("/history", h.handleHistory)
	h.mux.HandleFunc("/history/as-of", h.handleAsOf)
	h.mux.HandleFunc("/history/filter", h.handleFilter)
	h.mux.HandleFunc("/history/record", h.handleRecord)
	h.mux.HandleFunc("/history/diff", h.handleDiff)
	h.mux.HandleFunc("/history/revert", h.handleRevert)
	h.mux.HandleFunc("/registry/schema", h.handleSchema)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type entityPayload struct {
	EntityType   string             `json:"entityType"`
	ID           int64              `json:"id,omitempty"`
	Properties   map[string]any     `json:"properties"`
	Relations    map[string][]int64 `json:"relations,omitempty"`
	Comment      string             `json:"comment,omitempty"`
	HistoryDate  *time.Time         `json:"historyDate,omitempty"`
	TrackChanges *bool              `json:"trackChanges,omitempty"`
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSave(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	case http.MethodGet:
		h.handleGetEntity(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload entityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.EntityType) == "" {
		http.Error(w, "entityType is required", http.StatusBadRequest)
		return
	}

	entity := domain.Entity{
		ID:         payload.ID,
		EntityType: payload.EntityType,
		Properties: payload.Properties,
		Relations:  payload.Relations,
	}
	saved, err := h.tracker.Save(r.Context(), entity, h.metaFrom(r, payload))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if payload.ID == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload entityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if payload.EntityType == "" || payload.ID == 0 {
		http.Error(w, "entityType and id are required", http.StatusBadRequest)
		return
	}

	entity, err := h.tracker.Stores().View().Entities.GetByID(r.Context(), payload.EntityType, payload.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.tracker.Delete(r.Context(), entity, h.metaFrom(r, payload)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := entityParams(w, r)
	if !ok {
		return
	}
	entity, err := h.tracker.Stores().View().Entities.GetByID(r.Context(), entityType, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

type relationPayload struct {
	EntityType string  `json:"entityType"`
	ID         int64   `json:"id"`
	Relation   string  `json:"relation"`
	Action     string  `json:"action"`
	Related    []int64 `json:"related"`
}

func (h *Handler) handleRelations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var payload relationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	entity := domain.Entity{ID: payload.ID, EntityType: payload.EntityType}
	action := tracker.M2MAction(strings.ToLower(payload.Action))
	if err := h.tracker.ManyToManyChanged(r.Context(), entity, payload.Relation, action, payload.Related); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accessor, ok := h.accessorFor(w, r)
	if !ok {
		return
	}
	records, err := accessor.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleAsOf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accessor, ok := h.accessorFor(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("version")); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "version must be an integer", http.StatusBadRequest)
			return
		}
		record, err := accessor.AsOfVersion(r.Context(), version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		when, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "date must be RFC3339", http.StatusBadRequest)
			return
		}
		record, err := accessor.AsOfDate(r.Context(), when)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}
	http.Error(w, "version or date is required", http.StatusBadRequest)
}

type filterPayload struct {
	EntityType string         `json:"entityType"`
	Criteria   map[string]any `json:"criteria"`
}

func (h *Handler) handleFilter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var payload filterPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	accessor, err := h.tracker.HistoryOf(payload.EntityType)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := accessor.Filter(r.Context(), payload.Criteria)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	historyID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("history_id")), 10, 64)
	if err != nil || historyID <= 0 {
		http.Error(w, "history_id must be a positive integer", http.StatusBadRequest)
		return
	}
	record, err := h.loader.Load(r.Context(), historyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type diffResponse struct {
	From          int64    `json:"from"`
	To            int64    `json:"to"`
	ChangedFields []string `json:"changedFields"`
	Diff          string   `json:"diff"`
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	fromID, err := strconv.ParseInt(strings.TrimSpace(query.Get("from")), 10, 64)
	if err != nil || fromID <= 0 {
		http.Error(w, "from must be a positive history identifier", http.StatusBadRequest)
		return
	}
	toID, err := strconv.ParseInt(strings.TrimSpace(query.Get("to")), 10, 64)
	if err != nil || toID <= 0 {
		http.Error(w, "to must be a positive history identifier", http.StatusBadRequest)
		return
	}

	from, err := h.loader.Load(r.Context(), fromID)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := h.loader.Load(r.Context(), toID)
	if err != nil {
		writeError(w, err)
		return
	}
	if from.EntityType != to.EntityType {
		http.Error(w, "records belong to different entity types", http.StatusBadRequest)
		return
	}

	base := domain.NewSnapshotFromHistory(from)
	target := domain.NewSnapshotFromHistory(to)
	changed, err := domain.ChangedFields(base, target)
	if err != nil {
		writeError(w, err)
		return
	}
	diff, err := domain.DiffSnapshots(
		fmt.Sprintf("history %d", from.HistoryID), &base,
		fmt.Sprintf("history %d", to.HistoryID), &target,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, diffResponse{
		From:          from.HistoryID,
		To:            to.HistoryID,
		ChangedFields: changed,
		Diff:          diff,
	})
}

type revertPayload struct {
	HistoryID           int64  `json:"historyId"`
	DeleteNewerVersions bool   `json:"deleteNewerVersions,omitempty"`
	Comment             string `json:"comment,omitempty"`
	TrackChanges        *bool  `json:"trackChanges,omitempty"`
}

func (h *Handler) handleRevert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var payload revertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if payload.HistoryID <= 0 {
		http.Error(w, "historyId is required", http.StatusBadRequest)
		return
	}

	record, err := h.tracker.Stores().View().History.GetByHistoryID(r.Context(), payload.HistoryID)
	if err != nil {
		writeError(w, err)
		return
	}

	meta := domain.DefaultMeta()
	meta.Comment = payload.Comment
	meta.Actor = auth.ActorFromContext(r.Context())
	meta.ActorOrigin = auth.ActorOriginFromContext(r.Context())
	if payload.TrackChanges != nil {
		meta.TrackChanges = *payload.TrackChanges
	}

	restored, err := h.tracker.RevertTo(r.Context(), record, tracker.RevertOptions{
		DeleteNewerVersions: payload.DeleteNewerVersions,
		Meta:                meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entityType := strings.TrimSpace(r.URL.Query().Get("entity_type"))
	if entityType == "" {
		http.Error(w, "entity_type is required", http.StatusBadRequest)
		return
	}
	schema, err := h.tracker.Registry().HistorySchema(entityType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) accessorFor(w http.ResponseWriter, r *http.Request) (*tracker.Accessor, bool) {
	entityType, id, ok := entityParams(w, r)
	if !ok {
		return nil, false
	}
	entity, err := h.tracker.Stores().View().Entities.GetByID(r.Context(), entityType, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			writeError(w, err)
			return nil, false
		}
		// History outlives the live entity.
		entity = domain.Entity{ID: id, EntityType: entityType}
	}
	accessor, err := h.tracker.HistoryFor(entity)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return accessor, true
}

func (h *Handler) metaFrom(r *http.Request, payload entityPayload) domain.ChangeMeta {
	meta := domain.DefaultMeta()
	meta.Comment = payload.Comment
	meta.HistoryDate = payload.HistoryDate
	meta.Actor = auth.ActorFromContext(r.Context())
	meta.ActorOrigin = auth.ActorOriginFromContext(r.Context())
	if payload.TrackChanges != nil {
		meta.TrackChanges = *payload.TrackChanges
	}
	return meta
}

func entityParams(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	query := r.URL.Query()
	entityType := strings.TrimSpace(query.Get("entity_type"))
	if entityType == "" {
		http.Error(w, "entity_type is required", http.StatusBadRequest)
		return "", 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(query.Get("id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return "", 0, false
	}
	return entityType, id, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNoHistory),
		errors.Is(err, domain.ErrNotYetCreated):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotTracked),
		errors.Is(err, domain.ErrDanglingReference),
		errors.Is(err, domain.ErrAlreadyRegistered),
		errors.Is(err, domain.ErrNoUniqueFields):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

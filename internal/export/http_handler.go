package export

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/repository"
)

type Handler struct {
	service *Service
	stores  repository.TxRunner
}

func NewHTTPHandler(service *Service, stores repository.TxRunner) http.Handler {
	return &Handler{service: service, stores: stores}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	entityType := strings.TrimSpace(query.Get("entity_type"))
	if entityType == "" {
		http.Error(w, "entity_type is required", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(query.Get("id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return
	}
	format, err := ParseFormat(query.Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entity, err := h.stores.View().Entities.GetByID(r.Context(), entityType, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, fmt.Sprintf("%s %d not found", entityType, id), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.service.FileName(entity, format)))
	if err := h.service.WriteLifeline(r.Context(), entity, format, w); err != nil {
		// Headers are gone; the truncated body is the best signal left.
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

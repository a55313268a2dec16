package httpserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/repository"
)

type entityResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type entityListResponse struct {
	Items      []entityResponse `json:"items"`
	NextCursor *string          `json:"nextCursor,omitempty"`
}

func toEntityResponse(e domain.Entity) entityResponse {
	return entityResponse{ID: e.ID, CreatedAt: e.CreatedAt}
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	filters, err := buildEntityFilters(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	result, err := s.entities.List(r.Context(), filters)
	if err != nil {
		s.logger.Printf("list entities error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list entities")
		return
	}

	items := make([]entityResponse, 0, len(result.Items))
	for _, e := range result.Items {
		items = append(items, toEntityResponse(e))
	}
	s.respondJSON(w, http.StatusOK, entityListResponse{Items: items, NextCursor: result.NextCursor})
}

func buildEntityFilters(query url.Values) (repository.EntityListFilters, error) {
	var filters repository.EntityListFilters
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil || limit < 0 {
			return filters, fmt.Errorf("invalid limit value")
		}
		filters.Limit = limit
	}
	if val := strings.TrimSpace(query.Get("cursor")); val != "" {
		cursor, err := repository.DecodeCursor(val)
		if err != nil {
			return filters, fmt.Errorf("invalid cursor")
		}
		filters.Cursor = cursor
	}
	return filters, nil
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	entity, err := s.ledger.CreateEntity(r.Context())
	if err != nil {
		s.respondLedgerError(w, "create entity", err)
		return
	}

	w.Header().Set("Location", "/entities/"+url.PathEscape(entity.ID))
	s.respondJSON(w, http.StatusCreated, toEntityResponse(entity))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := decodePathParam(r, "id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	entity, err := s.ledger.GetEntity(r.Context(), id)
	if err != nil {
		s.respondLedgerError(w, "fetch entity", err)
		return
	}
	s.respondJSON(w, http.StatusOK, toEntityResponse(entity))
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}
	id, err := decodePathParam(r, "id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.ledger.DeleteEntity(r.Context(), id); err != nil {
		s.respondLedgerError(w, "delete entity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

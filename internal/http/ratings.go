package httpserver

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

type voteRequest struct {
	Value *float64 `json:"value"`
}

type aggregateResponse struct {
	Count   int64    `json:"count"`
	Sum     float64  `json:"sum"`
	Average *float64 `json:"average"`
}

type raterResponse struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type voteResponse struct {
	EntityID  string            `json:"entityId"`
	Dimension string            `json:"dimension"`
	Rater     raterResponse     `json:"rater"`
	Value     *float64          `json:"value"`
	Aggregate aggregateResponse `json:"aggregate"`
}

type ratingResponse struct {
	EntityID  string            `json:"entityId"`
	Dimension string            `json:"dimension"`
	Aggregate aggregateResponse `json:"aggregate"`
	Display   string            `json:"display"`
	Vote      *float64          `json:"vote,omitempty"`
	CanVote   *bool             `json:"canVote,omitempty"`
}

type valuesResponse struct {
	Values []float64 `json:"values"`
}

type rankedResponse struct {
	EntityID string   `json:"entityId"`
	Count    int64    `json:"count"`
	Average  *float64 `json:"average"`
}

type rankingsResponse struct {
	Dimension string           `json:"dimension"`
	Items     []rankedResponse `json:"items"`
}

type raterEntitiesResponse struct {
	Dimension string   `json:"dimension"`
	EntityIDs []string `json:"entityIds"`
}

func toAggregateResponse(agg domain.Aggregate) aggregateResponse {
	return aggregateResponse{Count: agg.Count, Sum: agg.Sum, Average: agg.Average}
}

// ratingTarget decodes the {id} and {dimension} path parameters.
func ratingTarget(r *http.Request) (string, string, error) {
	id, err := decodePathParam(r, "id")
	if err != nil {
		return "", "", err
	}
	dim, err := decodePathParam(r, "dimension")
	if err != nil {
		return "", "", err
	}
	return id, dim, nil
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	id, dim, err := ratingTarget(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	rater, ok := raterFromHeaders(r)
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	var req voteRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	if req.Value == nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value is required")
		return
	}

	cfg, err := s.ledger.Dimension(dim)
	if err != nil {
		s.respondLedgerError(w, "cast vote", err)
		return
	}
	existed, err := s.ledger.HasVoted(r.Context(), id, dim, rater)
	if err != nil {
		s.respondLedgerError(w, "cast vote", err)
		return
	}
	agg, err := s.ledger.Cast(r.Context(), id, dim, rater, *req.Value)
	if err != nil {
		s.respondLedgerError(w, "cast vote", err)
		return
	}
	stored := cfg.Normalize(*req.Value)

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	s.respondJSON(w, status, voteResponse{
		EntityID:  id,
		Dimension: dim,
		Rater:     raterResponse{Kind: rater.Kind, ID: rater.ID},
		Value:     &stored,
		Aggregate: toAggregateResponse(agg),
	})
}

func (s *Server) handleRetractVote(w http.ResponseWriter, r *http.Request) {
	id, dim, err := ratingTarget(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	rater, ok := raterFromHeaders(r)
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	agg, err := s.ledger.Retract(r.Context(), id, dim, rater)
	if err != nil {
		s.respondLedgerError(w, "retract vote", err)
		return
	}
	s.respondJSON(w, http.StatusOK, voteResponse{
		EntityID:  id,
		Dimension: dim,
		Rater:     raterResponse{Kind: rater.Kind, ID: rater.ID},
		Aggregate: toAggregateResponse(agg),
	})
}

func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	id, dim, err := ratingTarget(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ctx := r.Context()

	agg, err := s.ledger.Aggregate(ctx, id, dim)
	if err != nil {
		s.respondLedgerError(w, "fetch rating", err)
		return
	}
	resp := ratingResponse{
		EntityID:  id,
		Dimension: dim,
		Aggregate: toAggregateResponse(agg),
	}

	if rater, ok := raterFromHeaders(r); ok {
		vote, err := s.ledger.VoteOf(ctx, id, dim, rater)
		if err != nil {
			s.respondLedgerError(w, "fetch rating", err)
			return
		}
		canVote, err := s.ledger.CanVote(ctx, id, dim, rater)
		if err != nil {
			s.respondLedgerError(w, "fetch rating", err)
			return
		}
		resp.Vote = vote
		resp.CanVote = &canVote
	}
	resp.Display = s.formatter.Render(resp.Vote, agg.Average)
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	id, dim, err := ratingTarget(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	values := make([]float64, 0)
	for v, err := range s.ledger.AllValues(r.Context(), id, dim) {
		if err != nil {
			s.respondLedgerError(w, "list votes", err)
			return
		}
		values = append(values, v)
	}
	s.respondJSON(w, http.StatusOK, valuesResponse{Values: values})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	dim, err := decodePathParam(r, "dimension")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	params, err := parseRankingParams(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ctx := r.Context()

	if params.rater != nil {
		ids, err := s.query.ByRater(ctx, dim, *params.rater)
		if err != nil {
			s.respondLedgerError(w, "list rankings", err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		s.respondJSON(w, http.StatusOK, raterEntitiesResponse{Dimension: dim, EntityIDs: ids})
		return
	}

	var rows []ledger.Ranked
	switch {
	case params.bounded:
		rows, err = s.query.InRange(ctx, dim, params.min, params.max)
	case params.all:
		rows, err = s.query.AllRanked(ctx, dim, params.nullsFirst)
	default:
		rows, err = s.query.Ranked(ctx, dim, params.limit)
	}
	if err != nil {
		s.respondLedgerError(w, "list rankings", err)
		return
	}

	items := make([]rankedResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, rankedResponse{EntityID: row.EntityID, Count: row.Count, Average: row.Average})
	}
	s.respondJSON(w, http.StatusOK, rankingsResponse{Dimension: dim, Items: items})
}

type rankingParams struct {
	rater      *domain.Rater
	bounded    bool
	min, max   float64
	limit      int
	all        bool
	nullsFirst bool
}

// parseRankingParams reads the ranking selector. rater wins over min/max,
// which win over all; plain limit is the default.
func parseRankingParams(query url.Values) (rankingParams, error) {
	var p rankingParams
	if val := strings.TrimSpace(query.Get("rater")); val != "" {
		kind, id, found := strings.Cut(val, ":")
		if !found {
			kind, id = defaultRaterKind, val
		}
		if kind == "" || id == "" {
			return p, fmt.Errorf("invalid rater value")
		}
		p.rater = &domain.Rater{Kind: kind, ID: id}
		return p, nil
	}

	minRaw, maxRaw := strings.TrimSpace(query.Get("min")), strings.TrimSpace(query.Get("max"))
	if minRaw != "" || maxRaw != "" {
		if minRaw == "" || maxRaw == "" {
			return p, fmt.Errorf("min and max must be given together")
		}
		var err error
		if p.min, err = parseFiniteFloat(minRaw); err != nil {
			return p, fmt.Errorf("invalid min value")
		}
		if p.max, err = parseFiniteFloat(maxRaw); err != nil {
			return p, fmt.Errorf("invalid max value")
		}
		if p.min > p.max {
			return p, fmt.Errorf("min cannot exceed max")
		}
		p.bounded = true
		return p, nil
	}

	if val := strings.TrimSpace(query.Get("all")); val != "" {
		all, err := strconv.ParseBool(val)
		if err != nil {
			return p, fmt.Errorf("invalid all value")
		}
		p.all = all
	}
	switch strings.TrimSpace(query.Get("nulls")) {
	case "", "last":
	case "first":
		p.nullsFirst = true
	default:
		return p, fmt.Errorf("nulls must be first or last")
	}
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil || limit < 0 {
			return p, fmt.Errorf("invalid limit value")
		}
		p.limit = limit
	}
	return p, nil
}

func parseFiniteFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return v, nil
}

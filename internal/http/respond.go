package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

const maxRequestBody = 1 << 20 // 1 MiB

const defaultRaterKind = "user"

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Printf("failed to encode response: %v", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Malformed JSON payload")
	case errors.As(err, &typeError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Invalid value for field %s", typeError.Field))
	case errors.Is(err, io.EOF):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body cannot be empty")
	default:
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to parse request body")
	}
}

// respondLedgerError maps ledger errors onto status codes; anything
// unrecognised is logged and reported as an internal error.
func (s *Server) respondLedgerError(w http.ResponseWriter, op string, err error) {
	var rangeErr *ledger.OutOfRangeError
	switch {
	case errors.As(err, &rangeErr):
		s.respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: rangeErr.Error(),
			Details: map[string]float64{"min": rangeErr.Range.Min, "max": rangeErr.Range.Max},
		})
	case errors.Is(err, ledger.ErrRerateForbidden):
		s.respondError(w, http.StatusConflict, "CONFLICT", "Re-rating is not allowed for this dimension")
	case errors.Is(err, ledger.ErrUnknownDimension):
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Unknown rating dimension")
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	default:
		s.logger.Printf("%s error: %v", op, err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+op)
	}
}

func (s *Server) verifyBearer(header string) bool {
	if header == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token == s.cfg.AuthToken
}

// raterFromHeaders reads X-Rater-Kind and X-Rater-Id. ok is false when no
// rater id was sent.
func raterFromHeaders(r *http.Request) (domain.Rater, bool) {
	id := strings.TrimSpace(r.Header.Get("X-Rater-Id"))
	if id == "" {
		return domain.Rater{}, false
	}
	kind := strings.TrimSpace(r.Header.Get("X-Rater-Kind"))
	if kind == "" {
		kind = defaultRaterKind
	}
	return domain.Rater{Kind: kind, ID: id}, true
}

func decodePathParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return "", fmt.Errorf("missing %s parameter", name)
	}
	val, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s parameter", name)
	}
	return val, nil
}

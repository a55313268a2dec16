// Package client talks to the rating HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

// ErrUnauthorized is returned when the server rejects the token or rater.
var ErrUnauthorized = errors.New("client: unauthorized")

// APIError carries a non-2xx response that maps to no ledger error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
}

// Rating is the server's view of one entity dimension.
type Rating struct {
	Aggregate domain.Aggregate
	Display   string
	Vote      *float64
	CanVote   *bool
}

// Ranked is one row of a ranking listing.
type Ranked = ledger.Ranked

// HTTPClient calls the rating API over HTTP.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	logger  *log.Logger
}

// NewHTTPClient constructs a client for baseURL. token is sent as a bearer
// token on entity mutations.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *log.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = log.Default()
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api url %q must be absolute", baseURL)
	}
	return &HTTPClient{
		baseURL: parsed,
		token:   token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

type entityPayload struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type aggregatePayload struct {
	Count   int64    `json:"count"`
	Sum     float64  `json:"sum"`
	Average *float64 `json:"average"`
}

func (p aggregatePayload) aggregate() domain.Aggregate {
	return domain.Aggregate{Count: p.Count, Sum: p.Sum, Average: p.Average}
}

type votePayload struct {
	Value     *float64         `json:"value"`
	Aggregate aggregatePayload `json:"aggregate"`
}

type ratingPayload struct {
	Aggregate aggregatePayload `json:"aggregate"`
	Display   string           `json:"display"`
	Vote      *float64         `json:"vote"`
	CanVote   *bool            `json:"canVote"`
}

type rankingsPayload struct {
	Items []struct {
		EntityID string   `json:"entityId"`
		Count    int64    `json:"count"`
		Average  *float64 `json:"average"`
	} `json:"items"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateEntity registers a new entity.
func (c *HTTPClient) CreateEntity(ctx context.Context) (domain.Entity, error) {
	var out entityPayload
	if err := c.do(ctx, http.MethodPost, "/entities", nil, nil, true, http.StatusCreated, &out); err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{ID: out.ID, CreatedAt: out.CreatedAt}, nil
}

// Cast records rater's vote and returns the new aggregate.
func (c *HTTPClient) Cast(ctx context.Context, entityID, dimension string, rater domain.Rater, value float64) (domain.Aggregate, error) {
	body := map[string]float64{"value": value}
	var out votePayload
	if err := c.do(ctx, http.MethodPut, ratingPath(entityID, dimension), &rater, body, false, 0, &out); err != nil {
		return domain.Aggregate{}, err
	}
	return out.Aggregate.aggregate(), nil
}

// Retract withdraws rater's vote and returns the new aggregate.
func (c *HTTPClient) Retract(ctx context.Context, entityID, dimension string, rater domain.Rater) (domain.Aggregate, error) {
	var out votePayload
	if err := c.do(ctx, http.MethodDelete, ratingPath(entityID, dimension), &rater, nil, false, http.StatusOK, &out); err != nil {
		return domain.Aggregate{}, err
	}
	return out.Aggregate.aggregate(), nil
}

// Rating fetches the aggregate and, for a non-nil viewer, their vote.
func (c *HTTPClient) Rating(ctx context.Context, entityID, dimension string, viewer *domain.Rater) (Rating, error) {
	var out ratingPayload
	if err := c.do(ctx, http.MethodGet, ratingPath(entityID, dimension), viewer, nil, false, http.StatusOK, &out); err != nil {
		return Rating{}, err
	}
	return Rating{Aggregate: out.Aggregate.aggregate(), Display: out.Display, Vote: out.Vote, CanVote: out.CanVote}, nil
}

// Ranked lists the top rated entities of dimension; limit 0 means all.
func (c *HTTPClient) Ranked(ctx context.Context, dimension string, limit int) ([]Ranked, error) {
	path := "/rankings/" + url.PathEscape(dimension)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out rankingsPayload
	if err := c.do(ctx, http.MethodGet, path, nil, nil, false, http.StatusOK, &out); err != nil {
		return nil, err
	}
	rows := make([]Ranked, 0, len(out.Items))
	for _, it := range out.Items {
		rows = append(rows, Ranked{EntityID: it.EntityID, Count: it.Count, Average: it.Average})
	}
	return rows, nil
}

func ratingPath(entityID, dimension string) string {
	return "/entities/" + url.PathEscape(entityID) + "/ratings/" + url.PathEscape(dimension)
}

// do sends one request. want 0 accepts any 2xx status.
func (c *HTTPClient) do(ctx context.Context, method, path string, rater *domain.Rater, body interface{}, auth bool, want int, dst interface{}) error {
	endpoint, err := c.baseURL.Parse(c.baseURL.Path + path)
	if err != nil {
		return fmt.Errorf("build request url: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if rater != nil {
		req.Header.Set("X-Rater-Kind", rater.Kind)
		req.Header.Set("X-Rater-Id", rater.ID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == want || (want == 0 && resp.StatusCode >= 200 && resp.StatusCode < 300)
	if !ok {
		return c.decodeError(method, path, resp)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) decodeError(method, path string, resp *http.Response) error {
	var payload errorPayload
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
	err := errorFor(resp.StatusCode, payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.logger.Printf("client: unexpected status %d for %s %s", resp.StatusCode, method, path)
	}
	return err
}

// errorFor maps an API error response onto the ledger's error values.
func errorFor(status int, payload errorPayload) error {
	switch {
	case status == http.StatusNotFound && strings.Contains(payload.Message, "dimension"):
		return fmt.Errorf("%s: %w", payload.Message, ledger.ErrUnknownDimension)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", payload.Message, ledger.ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w", payload.Message, ledger.ErrRerateForbidden)
	case status == http.StatusUnprocessableEntity && strings.Contains(payload.Message, "out of range"):
		return fmt.Errorf("%s: %w", payload.Message, ledger.ErrOutOfRange)
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return &APIError{Status: status, Code: payload.Code, Message: payload.Message}
}

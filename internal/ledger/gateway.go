package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"papervault/internal/fault"
)

// Gateway is an HTTP client for a networked ledger gateway exposing the
// same contract as the local ledger. A gateway that fails or times out
// surfaces the error; there is no silent fallback to the stand-in, since
// that would mask operational incidents.
type Gateway struct {
	baseURL string
	client  *http.Client
	log     *logrus.Logger
}

// NewGateway builds a client for the gateway at cfg.GatewayURL.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		baseURL: cfg.GatewayURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     cfg.Logger,
	}
}

func (g *Gateway) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	var result CommitResult
	err := g.call(ctx, http.MethodPost, "/v1/papers", req, &result)
	return result, err
}

func (g *Gateway) UpdateStatus(ctx context.Context, paperID string, status Status) (CommitResult, error) {
	var result CommitResult
	path := "/v1/papers/" + url.PathEscape(paperID) + "/status"
	err := g.call(ctx, http.MethodPost, path, map[string]Status{"status": status}, &result)
	return result, err
}

func (g *Gateway) RecordAccess(ctx context.Context, entry AccessEntry) error {
	path := "/v1/papers/" + url.PathEscape(entry.PaperID) + "/access"
	return g.call(ctx, http.MethodPost, path, entry, nil)
}

func (g *Gateway) Get(ctx context.Context, paperID string) (Record, error) {
	var record Record
	err := g.call(ctx, http.MethodGet, "/v1/papers/"+url.PathEscape(paperID), nil, &record)
	return record, err
}

func (g *Gateway) History(ctx context.Context, paperID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	path := "/v1/papers/" + url.PathEscape(paperID) + "/history"
	err := g.call(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

func (g *Gateway) AccessLog(ctx context.Context, paperID string) ([]AccessEntry, error) {
	var entries []AccessEntry
	path := "/v1/papers/" + url.PathEscape(paperID) + "/access"
	err := g.call(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

func (g *Gateway) List(ctx context.Context, pageSize int, cursor string) (Page, error) {
	var page Page
	path := "/v1/papers?limit=" + strconv.Itoa(pageSize)
	if cursor != "" {
		path += "&cursor=" + url.QueryEscape(cursor)
	}
	err := g.call(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (g *Gateway) Close() error { return nil }

// gatewayError is the JSON error body the gateway returns.
type gatewayError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (g *Gateway) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if (errors.As(err, &urlErr) && urlErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", fault.ErrTimeout, method, path)
		}
		return fmt.Errorf("%w: %v", fault.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	case http.StatusNoContent:
		return nil
	default:
		return g.decodeError(resp)
	}
}

// decodeError maps the gateway's structured error kinds back onto the local
// taxonomy so both backends are indistinguishable to callers.
func (g *Gateway) decodeError(resp *http.Response) error {
	var gwErr gatewayError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&gwErr)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", fault.ErrPaperNotFound, gwErr.Message)
	case resp.StatusCode == http.StatusConflict && gwErr.Kind == "invalid_transition":
		return fmt.Errorf("%w: %s", fault.ErrInvalidTransition, gwErr.Message)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", fault.ErrPaperAlreadyExists, gwErr.Message)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fault.ErrTimeout
	default:
		return fmt.Errorf("%w: status %d: %s", fault.ErrLedgerUnavailable, resp.StatusCode, gwErr.Message)
	}
}

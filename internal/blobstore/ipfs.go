package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"papervault/internal/fault"
)

// IPFSStore talks to an IPFS node over its HTTP API (the /api/v0 RPC
// surface). Every call carries a bounded timeout; a node that stops
// responding produces a timeout error instead of hanging the pipeline.
type IPFSStore struct {
	apiAddr string
	client  *http.Client
	log     *logrus.Logger
}

// NewIPFSStore builds a client for the node at cfg.APIAddr.
func NewIPFSStore(cfg Config) *IPFSStore {
	return &IPFSStore{
		apiAddr: cfg.APIAddr,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     cfg.Logger,
	}
}

type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type ipfsIDResponse struct {
	ID        string   `json:"ID"`
	Addresses []string `json:"Addresses"`
}

// Upload adds the blob to IPFS and returns its CID. IPFS addressing is
// deterministic over the bytes, so repeated uploads are idempotent.
func (s *IPFSStore) Upload(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiAddr+"/api/v0/add?pin=false", &body)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var added ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", fmt.Errorf("decoding add response: %w", err)
	}
	if added.Hash == "" {
		return "", fmt.Errorf("%w: add returned no hash", fault.ErrStoreUnavailable)
	}

	s.log.WithFields(logrus.Fields{"address": added.Hash, "size": len(data)}).Debug("blob added to ipfs")
	return added.Hash, nil
}

// Download fetches the blob for a CID.
func (s *IPFSStore) Download(ctx context.Context, address string) ([]byte, error) {
	resp, err := s.post(ctx, "/api/v0/cat", address)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading cat response: %w", err)
	}
	return data, nil
}

// Pin asks the node to retain the blob.
func (s *IPFSStore) Pin(ctx context.Context, address string) error {
	resp, err := s.post(ctx, "/api/v0/pin/add", address)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Unpin releases the retention hint.
func (s *IPFSStore) Unpin(ctx context.Context, address string) error {
	resp, err := s.post(ctx, "/api/v0/pin/rm", address)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// NodeInfo queries the node identity. A failure reports a disconnected node
// rather than an error; this endpoint is introspection only.
func (s *IPFSStore) NodeInfo(ctx context.Context) NodeInfo {
	info := NodeInfo{Mode: ModeIPFS, Address: s.apiAddr}

	resp, err := s.post(ctx, "/api/v0/id", "")
	if err != nil {
		return info
	}
	defer resp.Body.Close()

	var id ipfsIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return info
	}

	info.Connected = true
	if id.ID != "" {
		info.Address = id.ID
	}
	return info
}

func (s *IPFSStore) Close() error { return nil }

func (s *IPFSStore) post(ctx context.Context, path, arg string) (*http.Response, error) {
	endpoint := s.apiAddr + path
	if arg != "" {
		endpoint += "?arg=" + url.QueryEscape(arg)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return s.do(req)
}

func (s *IPFSStore) do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", fault.ErrTimeout, req.URL.Path)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", fault.ErrTimeout, req.URL.Path)
		}
		return nil, fmt.Errorf("%w: %v", fault.ErrStoreUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusInternalServerError:
		// go-ipfs reports unknown CIDs as 500 with an error body
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || bytes.Contains(body, []byte("not found")) {
			return nil, fault.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: status %d", fault.ErrStoreUnavailable, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", fault.ErrStoreUnavailable, resp.StatusCode)
	}
}

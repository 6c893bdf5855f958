// Package testutil provides fakes shared by tests across packages.
package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// FakeHTTPDoer is a mock HTTP client. Requests are matched by URL path
// suffix against Errors first, then Responses; unknown paths get a 404.
type FakeHTTPDoer struct {
	Responses map[string]*http.Response
	Errors    map[string]error
}

func (f *FakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	for suffix, err := range f.Errors {
		if strings.HasSuffix(path, suffix) {
			return nil, err
		}
	}
	for suffix, resp := range f.Responses {
		if strings.HasSuffix(path, suffix) {
			return CloneResponse(resp), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

// CloneResponse copies a response with a fresh body reader so a canned
// response can be served more than once.
func CloneResponse(resp *http.Response) *http.Response {
	bodyBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewReader(bodyBytes)),
	}
}

// MakeDrandInfoResponse builds a fake drand /info response with a fixed
// genesis time and a 3s period for deterministic round math.
func MakeDrandInfoResponse() *http.Response {
	info := struct {
		Period      int    `json:"period"`
		GenesisTime int64  `json:"genesis_time"`
		Hash        string `json:"hash"`
		SchemeID    string `json:"schemeID"`
		BeaconID    string `json:"beaconID"`
	}{
		Period:      3,
		GenesisTime: 1677685200,
		Hash:        "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971",
		SchemeID:    "bls-unchained-on-g1",
		BeaconID:    "quicknet",
	}
	body, _ := json.Marshal(info)
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// MakeDrandPublicResponse builds a fake drand /public/latest response.
func MakeDrandPublicResponse(round uint64) *http.Response {
	resp := struct {
		Round      uint64 `json:"round"`
		Randomness string `json:"randomness"`
	}{
		Round:      round,
		Randomness: "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2",
	}
	body, _ := json.Marshal(resp)
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// FakeTimelockBox stands in for tlock with a reversible encoding instead
// of real encryption.
type FakeTimelockBox struct {
	EncryptError error
	DecryptError error
	// DecryptedKey, when set, is returned verbatim by Decrypt.
	DecryptedKey []byte
	// LastRound records the target round of the most recent Encrypt.
	LastRound uint64
}

const fakeTimelockPrefix = "FAKE_TLOCK:"

func (f *FakeTimelockBox) Encrypt(key []byte, targetRound uint64) (string, error) {
	if f.EncryptError != nil {
		return "", f.EncryptError
	}
	f.LastRound = targetRound
	return fakeTimelockPrefix + base64.StdEncoding.EncodeToString(key), nil
}

func (f *FakeTimelockBox) Decrypt(_ context.Context, sealedB64 string) ([]byte, error) {
	if f.DecryptError != nil {
		return nil, f.DecryptError
	}
	if f.DecryptedKey != nil {
		return f.DecryptedKey, nil
	}
	if strings.HasPrefix(sealedB64, fakeTimelockPrefix) {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(sealedB64, fakeTimelockPrefix))
	}
	return nil, io.ErrUnexpectedEOF
}

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsUUID reports whether s is a canonical UUID string.
func IsUUID(s string) bool {
	return uuidRegex.MatchString(s)
}

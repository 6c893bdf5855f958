package timeauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drand/tlock"
	thttp "github.com/drand/tlock/networks/http"
)

// drandQuicknetChainHash is the chain hash for drand quicknet.
const drandQuicknetChainHash = "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971"

const drandAPIBase = "https://api.drand.sh"

// HTTPDoer lets tests inject a mock HTTP client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// TimelockBox abstracts tlock encryption/decryption so tests can substitute
// a deterministic fake.
type TimelockBox interface {
	Encrypt(key []byte, targetRound uint64) (string, error)
	Decrypt(ctx context.Context, sealedB64 string) ([]byte, error)
}

// DrandAuthority gates unlocking on the drand public randomness beacon and
// time-lock encrypts wrapped keys to the beacon round matching the unlock
// instant. Early release is then impossible even for a compromised host:
// the round's randomness simply does not exist yet.
type DrandAuthority struct {
	networkName string
	baseURL     string
	chainHash   string
	httpClient  HTTPDoer
	timelock    TimelockBox
	info        *drandInfo // cached network info
}

type drandInfo struct {
	Period      int    `json:"period"`
	GenesisTime int64  `json:"genesis_time"`
	Hash        string `json:"hash"`
	SchemeID    string `json:"schemeID"`
	BeaconID    string `json:"beaconID"`
}

type drandPublicResponse struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

type drandKeyReference struct {
	Network     string    `json:"network"`
	TargetRound uint64    `json:"target_round"`
	UnlockTime  time.Time `json:"unlock_time"`
}

// NewDrandAuthority builds an authority for the drand quicknet network.
// Beacon requests are bounded by timeout, DefaultTimeout if zero.
func NewDrandAuthority(timeout time.Duration) *DrandAuthority {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return NewDrandAuthorityWithDeps(&http.Client{Timeout: timeout}, nil)
}

// NewDrandAuthorityWithDeps builds a drand authority with injectable
// dependencies for testing.
func NewDrandAuthorityWithDeps(httpClient HTTPDoer, timelock TimelockBox) *DrandAuthority {
	if timelock == nil {
		timelock = &realTimelockBox{baseURL: drandAPIBase, chainHash: drandQuicknetChainHash}
	}
	return &DrandAuthority{
		networkName: "quicknet",
		baseURL:     drandAPIBase + "/" + drandQuicknetChainHash,
		chainHash:   drandQuicknetChainHash,
		httpClient:  httpClient,
		timelock:    timelock,
	}
}

func (d *DrandAuthority) Name() string {
	return "drand"
}

// Lock computes the beacon round covering the unlock instant and binds it
// into the key reference.
func (d *DrandAuthority) Lock(unlockTime time.Time) (KeyReference, error) {
	round, err := d.roundAt(unlockTime)
	if err != nil {
		return "", err
	}

	ref, err := json.Marshal(drandKeyReference{
		Network:     d.networkName,
		TargetRound: round,
		UnlockTime:  unlockTime.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding key reference: %w", err)
	}
	return KeyReference(ref), nil
}

// CanUnlock reports whether the beacon has published the target round.
func (d *DrandAuthority) CanUnlock(ctx context.Context, ref KeyReference) (bool, error) {
	parsed, err := d.parseRef(ref)
	if err != nil {
		return false, err
	}

	current, err := d.fetchLatestRound(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching latest round: %w", err)
	}
	return current >= parsed.TargetRound, nil
}

// SealToTime time-lock encrypts the wrapped key to the reference's round.
func (d *DrandAuthority) SealToTime(wrappedKey []byte, ref KeyReference) (string, error) {
	parsed, err := d.parseRef(ref)
	if err != nil {
		return "", err
	}
	return d.timelock.Encrypt(wrappedKey, parsed.TargetRound)
}

// OpenAtTime decrypts a time-sealed key. Fails until the target round's
// randomness has been published.
func (d *DrandAuthority) OpenAtTime(ctx context.Context, sealed string) ([]byte, error) {
	return d.timelock.Decrypt(ctx, sealed)
}

func (d *DrandAuthority) parseRef(ref KeyReference) (drandKeyReference, error) {
	var parsed drandKeyReference
	if err := json.Unmarshal([]byte(ref), &parsed); err != nil {
		return parsed, fmt.Errorf("invalid drand key reference: %w", err)
	}
	if parsed.Network != d.networkName {
		return parsed, fmt.Errorf("network mismatch: expected %s, got %s", d.networkName, parsed.Network)
	}
	return parsed, nil
}

// roundAt maps an instant onto the first round at or after it:
// (unix - genesis) / period, rounded up.
func (d *DrandAuthority) roundAt(unlockTime time.Time) (uint64, error) {
	info, err := d.fetchInfo()
	if err != nil {
		return 0, fmt.Errorf("fetching drand info: %w", err)
	}

	elapsed := unlockTime.Unix() - info.GenesisTime
	if elapsed < 0 {
		return 0, fmt.Errorf("unlock time is before drand genesis")
	}

	round := uint64(elapsed) / uint64(info.Period)
	if uint64(elapsed)%uint64(info.Period) != 0 {
		round++
	}
	return round, nil
}

func (d *DrandAuthority) fetchInfo() (*drandInfo, error) {
	if d.info != nil {
		return d.info, nil
	}

	var info drandInfo
	if err := d.getJSON(context.Background(), d.baseURL+"/info", &info); err != nil {
		return nil, err
	}
	d.info = &info
	return &info, nil
}

func (d *DrandAuthority) fetchLatestRound(ctx context.Context) (uint64, error) {
	var resp drandPublicResponse
	if err := d.getJSON(ctx, d.baseURL+"/public/latest", &resp); err != nil {
		return 0, err
	}
	return resp.Round, nil
}

func (d *DrandAuthority) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("drand request failed: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// realTimelockBox implements TimelockBox with the tlock library.
type realTimelockBox struct {
	baseURL   string
	chainHash string
}

func (r *realTimelockBox) Encrypt(key []byte, targetRound uint64) (string, error) {
	network, err := thttp.NewNetwork(r.baseURL, r.chainHash)
	if err != nil {
		return "", fmt.Errorf("creating tlock network: %w", err)
	}

	var sealed bytes.Buffer
	if err := tlock.New(network).Encrypt(&sealed, bytes.NewReader(key), targetRound); err != nil {
		return "", fmt.Errorf("tlock encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed.Bytes()), nil
}

func (r *realTimelockBox) Decrypt(ctx context.Context, sealedB64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, fmt.Errorf("decoding time-sealed key: %w", err)
	}

	network, err := thttp.NewNetwork(r.baseURL, r.chainHash)
	if err != nil {
		return nil, fmt.Errorf("creating tlock network: %w", err)
	}

	var key bytes.Buffer
	if err := tlock.New(network).Decrypt(&key, bytes.NewReader(sealed)); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

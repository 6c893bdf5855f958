package timeauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ClockAuthority gates unlocking on the local clock. It is the stand-in
// authority: behaviorally identical to a networked one at the contract
// level, with no second enforcement layer.
type ClockAuthority struct {
	now func() time.Time
}

// NewClockAuthority builds a clock authority. A nil now uses time.Now.
func NewClockAuthority(now func() time.Time) *ClockAuthority {
	if now == nil {
		now = time.Now
	}
	return &ClockAuthority{now: now}
}

type clockKeyReference struct {
	UnlockTime time.Time `json:"unlock_time"`
}

func (c *ClockAuthority) Name() string {
	return "clock"
}

func (c *ClockAuthority) Lock(unlockTime time.Time) (KeyReference, error) {
	ref, err := json.Marshal(clockKeyReference{UnlockTime: unlockTime.UTC()})
	if err != nil {
		return "", fmt.Errorf("encoding key reference: %w", err)
	}
	return KeyReference(ref), nil
}

func (c *ClockAuthority) CanUnlock(ctx context.Context, ref KeyReference) (bool, error) {
	var parsed clockKeyReference
	if err := json.Unmarshal([]byte(ref), &parsed); err != nil {
		return false, fmt.Errorf("invalid clock key reference: %w", err)
	}
	return !c.now().UTC().Before(parsed.UnlockTime), nil
}

// SealToTime is unsupported: the clock authority relies on CanUnlock alone.
func (c *ClockAuthority) SealToTime(wrappedKey []byte, ref KeyReference) (string, error) {
	return "", nil
}

func (c *ClockAuthority) OpenAtTime(ctx context.Context, sealed string) ([]byte, error) {
	return nil, fmt.Errorf("clock authority does not hold time-sealed keys")
}

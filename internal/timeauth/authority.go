// Package timeauth enforces the time-lock policy: no paper may be decrypted
// before its scheduled release instant. Two authorities implement one
// contract, selected once by configuration: a local clock check and the
// drand public randomness beacon, which additionally time-lock encrypts the
// wrapped paper key so early release is cryptographically impossible, not
// just refused.
package timeauth

import (
	"context"
	"time"
)

// Authority modes accepted by Config.Mode.
const (
	ModeClock = "clock"
	ModeDrand = "drand"
)

// DefaultTimeout bounds beacon requests.
const DefaultTimeout = 30 * time.Second

// KeyReference is an opaque, authority-specific reference bound to an
// unlock instant. It is stored alongside paper metadata and handed back to
// the same authority at release time.
type KeyReference string

// Authority is the external source of truth for time-based unlocking.
type Authority interface {
	// Name identifies the authority; recorded in metadata so release uses
	// the authority a paper was sealed under.
	Name() string

	// Lock binds an unlock instant into an opaque reference.
	Lock(unlockTime time.Time) (KeyReference, error)

	// CanUnlock reports whether the unlock instant in ref has been reached.
	CanUnlock(ctx context.Context, ref KeyReference) (bool, error)

	// SealToTime optionally adds a cryptographic time-lock layer over the
	// already-wrapped paper key. Authorities without this capability return
	// an empty string; callers then rely on CanUnlock alone.
	SealToTime(wrappedKey []byte, ref KeyReference) (string, error)

	// OpenAtTime reverses SealToTime once the unlock instant has passed.
	// Before that instant it fails; it never returns the key early.
	OpenAtTime(ctx context.Context, sealed string) ([]byte, error)
}

// Config selects the authority.
type Config struct {
	Mode string
	// Now overrides the clock used by the clock authority. Nil means
	// time.Now; tests inject a controllable clock here.
	Now func() time.Time
	// Timeout bounds beacon requests; DefaultTimeout if zero.
	Timeout time.Duration
}

// New constructs the configured authority once at startup.
func New(cfg Config) Authority {
	switch cfg.Mode {
	case ModeDrand:
		return NewDrandAuthority(cfg.Timeout)
	default:
		return NewClockAuthority(cfg.Now)
	}
}

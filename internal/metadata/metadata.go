// Package metadata holds the operational record of each paper: the sealed
// envelope fields, file attributes, and custody state. The ledger remains
// the source of truth for status and provenance; this store exists so the
// pipeline can reconstruct an envelope without walking the chain.
package metadata

import (
	"context"
	"time"
)

// Paper is the stored record for one submitted exam paper.
type Paper struct {
	ID             string
	ExamID         string
	Subject        string
	Filename       string
	Size           int64
	ContentAddress string
	PlaintextHash  string

	// Envelope fields. WrappedKey is the symmetric key sealed to the
	// recipient's public key; TimeSealedKey, when non-empty, is the same
	// wrapped key under an additional time-lock layer. KeyVersion pins the
	// recipient keypair version the key was wrapped to, so rotation never
	// strands a sealed paper.
	Recipient     string
	KeyVersion    int
	WrappedKey    []byte
	IV            []byte
	UnlockTime    time.Time
	TimeAuthority string
	TimeRef       string
	TimeSealedKey string

	LedgerTxID  string
	BlockNumber uint64
	Status      string
	UploadedBy  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Exam groups papers under a scheduled examination.
type Exam struct {
	ID          string
	Name        string
	Subject     string
	ScheduledAt time.Time
	CreatedAt   time.Time
}

// KeyMaterial is one version of an owner's keypair: the public key in the
// clear, the private key sealed under the owner's password. Superseded
// versions are retained so papers wrapped to an older key stay readable.
type KeyMaterial struct {
	Owner            string
	Version          int
	PublicKey        string
	SealedPrivateKey []byte
	Salt             []byte
	Iterations       int
	CreatedAt        time.Time
}

// Store persists papers, exams, and key material.
type Store interface {
	SavePaper(ctx context.Context, p *Paper) error
	UpdatePaper(ctx context.Context, p *Paper) error
	Paper(ctx context.Context, id string) (*Paper, error)
	PapersByExam(ctx context.Context, examID string) ([]Paper, error)

	SaveExam(ctx context.Context, e *Exam) error
	Exam(ctx context.Context, id string) (*Exam, error)

	// SaveKeyMaterial stores a new version for km.Owner. The version must
	// be exactly one past the owner's latest.
	SaveKeyMaterial(ctx context.Context, km *KeyMaterial) error
	// LatestKeyMaterial returns the owner's highest version.
	LatestKeyMaterial(ctx context.Context, owner string) (*KeyMaterial, error)
	KeyMaterialVersion(ctx context.Context, owner string, version int) (*KeyMaterial, error)

	Close() error
}

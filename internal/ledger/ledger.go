// Package ledger provides the append-only, tamper-evident record store for
// paper provenance. Two backends implement one contract: a badger-backed
// local stand-in and an HTTP client for a networked ledger gateway. The
// backend is fixed at startup by configuration and never swapped after a
// failed call.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Modes accepted by Config.Mode.
const (
	ModeLocal   = "local"
	ModeGateway = "gateway"
)

// DefaultTimeout bounds calls to a networked backend.
const DefaultTimeout = 30 * time.Second

// Status is the on-ledger paper status.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
)

// CanTransition reports whether a status change is permitted. The only
// legal transition is locked to released; status is monotonic.
func CanTransition(from, to Status) bool {
	return from == StatusLocked && to == StatusReleased
}

// Action tags an access-log entry.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionEncrypt  Action = "encrypt"
	ActionChain    Action = "chain"
	ActionView     Action = "view"
	ActionDownload Action = "download"
	ActionDecrypt  Action = "decrypt"
)

// Record is the current projection of a paper on the ledger. History is
// append-only: writes never mutate prior entries, a status change appends a
// new logical entry while updating this projection.
type Record struct {
	PaperID        string    `json:"paper_id"`
	ExamID         string    `json:"exam_id"`
	Subject        string    `json:"subject"`
	ContentAddress string    `json:"content_address"`
	PlaintextHash  string    `json:"plaintext_hash"`
	UnlockTime     time.Time `json:"unlock_time"`
	UploadedBy     string    `json:"uploaded_by"`
	Status         Status    `json:"status"`
	TxID           string    `json:"tx_id"`
	BlockNumber    uint64    `json:"block_number"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HistoryEntry is one logical write in a paper's history, oldest first.
type HistoryEntry struct {
	TxID        string    `json:"tx_id"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	Record      Record    `json:"record"`
}

// AccessEntry is an append-only audit record. Entries are returned ordered
// by timestamp ascending for replay; presentation layers may reverse them.
type AccessEntry struct {
	LogID         string            `json:"log_id"`
	PaperID       string            `json:"paper_id"`
	ActorID       string            `json:"actor_id"`
	Action        Action            `json:"action"`
	SourceAddress string            `json:"source_address,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// CommitRequest carries the fields of a first commit.
type CommitRequest struct {
	PaperID        string    `json:"paper_id"`
	ExamID         string    `json:"exam_id"`
	Subject        string    `json:"subject"`
	ContentAddress string    `json:"content_address"`
	PlaintextHash  string    `json:"plaintext_hash"`
	UnlockTime     time.Time `json:"unlock_time"`
	UploadedBy     string    `json:"uploaded_by"`
}

// CommitResult reports the transaction a write was recorded under.
type CommitResult struct {
	TxID        string `json:"tx_id"`
	BlockNumber uint64 `json:"block_number"`
	Status      Status `json:"status"`
}

// Page is one page of a forward-only listing. NextCursor is empty on the
// last page. Totals are snapshot-at-read; concurrent writes may shift them.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Ledger is the append-only record store contract.
//
// Block numbers strictly increase across the whole instance, are never
// reused and never decrease, including across restarts of a persistent
// backend. Implementations must make counter allocation and record
// durability atomic: a partially failed write must not leave an allocated
// block number without a durable entry.
type Ledger interface {
	Commit(ctx context.Context, req CommitRequest) (CommitResult, error)
	UpdateStatus(ctx context.Context, paperID string, status Status) (CommitResult, error)
	RecordAccess(ctx context.Context, entry AccessEntry) error
	Get(ctx context.Context, paperID string) (Record, error)
	History(ctx context.Context, paperID string) ([]HistoryEntry, error)
	AccessLog(ctx context.Context, paperID string) ([]AccessEntry, error)
	List(ctx context.Context, pageSize int, cursor string) (Page, error)
	Close() error
}

// Config selects and parameterizes the backend.
type Config struct {
	Mode       string
	Path       string        // data directory for the local ledger
	GatewayURL string        // base URL of the networked ledger gateway
	Timeout    time.Duration // network timeout; DefaultTimeout if zero
	Logger     *logrus.Logger
}

// New constructs the configured backend once at startup.
func New(cfg Config) (Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch cfg.Mode {
	case ModeLocal, "":
		return OpenLocal(cfg)
	case ModeGateway:
		return NewGateway(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Mode)
	}
}

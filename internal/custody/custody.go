// Package custody orchestrates the paper pipeline: seal, store, commit,
// time-lock, release. It owns the custody state machine and is the only
// place the crypto, storage, ledger, and timeauth layers meet.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"papervault/internal/blobstore"
	"papervault/internal/crypt"
	"papervault/internal/fault"
	"papervault/internal/identity"
	"papervault/internal/keyring"
	"papervault/internal/ledger"
	"papervault/internal/metadata"
	"papervault/internal/timeauth"
)

// Custody states. Draft and uploaded are transient within Submit; only
// sealed and later states are ever persisted. Released is terminal.
const (
	StateDraft     = "draft"
	StateUploaded  = "uploaded"
	StateSealed    = "sealed"
	StateCommitted = "committed"
	StateReleased  = "released"
)

// transitions is the custody state machine. Absent entries are forbidden;
// a paper never moves backwards.
var transitions = map[string]string{
	StateDraft:     StateUploaded,
	StateUploaded:  StateSealed,
	StateSealed:    StateCommitted,
	StateCommitted: StateReleased,
}

// CanTransition reports whether a custody state change is permitted.
func CanTransition(from, to string) bool {
	return transitions[from] == to
}

// Custodian runs the pipeline. All dependencies are interfaces so tests
// substitute fakes; Now is injectable for deterministic unlock checks.
type Custodian struct {
	Blobs     blobstore.Store
	Ledger    ledger.Ledger
	Authority timeauth.Authority
	Metadata  metadata.Store
	Identity  identity.Provider
	Keys      *keyring.Keyring
	Log       *logrus.Logger
	Now       func() time.Time
}

// New fills optional fields with defaults.
func New(c Custodian) *Custodian {
	if c.Log == nil {
		c.Log = logrus.New()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &c
}

// SubmitRequest carries one paper into custody. Recipient names the
// keyring owner whose public key seals the envelope.
type SubmitRequest struct {
	ExamID     string
	Subject    string
	Filename   string
	Content    []byte
	UnlockTime time.Time
	UploadedBy string
	Recipient  string
}

// SubmitResult reports where the paper landed.
type SubmitResult struct {
	PaperID        string
	ContentAddress string
	TxID           string
	BlockNumber    uint64
	Status         string
}

// Submit seals the paper, stores the ciphertext, and commits provenance to
// the ledger. The plaintext is hashed before encryption; the fresh
// symmetric key is wrapped to the recipient and zeroed, so after Submit
// returns no component alone can recover the content.
//
// A failed ledger commit leaves the paper persisted in the sealed state and
// returns ErrLedgerCommitPending; RetryCommit resumes from there without
// re-encrypting. A failed metadata update after a successful commit returns
// ErrMetadataWritePending, likewise resumable.
func (c *Custodian) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var res SubmitResult

	if len(req.Content) == 0 {
		return res, fmt.Errorf("empty paper content")
	}
	if !req.UnlockTime.After(c.Now()) {
		return res, fmt.Errorf("unlock time %s is not in the future", req.UnlockTime.Format(time.RFC3339))
	}
	uploader, err := c.Identity.Lookup(req.UploadedBy)
	if err != nil {
		return res, err
	}
	if _, err := c.Metadata.Exam(ctx, req.ExamID); err != nil {
		return res, err
	}

	paperID := uuid.New().String()
	plaintextHash := crypt.Hash(req.Content)

	// Seal the envelope.
	key, err := crypt.GenerateSymmetricKey()
	if err != nil {
		return res, err
	}
	defer zero(key)
	iv, err := crypt.GenerateIV()
	if err != nil {
		return res, err
	}
	ciphertext, err := crypt.SymmetricEncrypt(req.Content, key, iv)
	if err != nil {
		return res, err
	}

	recipientKeys, err := c.Metadata.LatestKeyMaterial(ctx, req.Recipient)
	if err != nil {
		return res, err
	}
	pub, err := crypt.ParsePublicKey(recipientKeys.PublicKey)
	if err != nil {
		return res, fmt.Errorf("recipient %s public key: %w", req.Recipient, err)
	}
	wrappedKey, err := crypt.WrapKey(key, pub)
	if err != nil {
		return res, err
	}
	zero(key)

	ref, err := c.Authority.Lock(req.UnlockTime)
	if err != nil {
		return res, fmt.Errorf("locking to %s: %w", req.UnlockTime.Format(time.RFC3339), err)
	}
	timeSealed, err := c.Authority.SealToTime(wrappedKey, ref)
	if err != nil {
		return res, fmt.Errorf("time-sealing wrapped key: %w", err)
	}

	// Store the ciphertext. Upload is idempotent so a later retry of the
	// same bytes is harmless.
	address, err := c.Blobs.Upload(ctx, ciphertext)
	if err != nil {
		return res, err
	}
	if err := c.Blobs.Pin(ctx, address); err != nil {
		// Advisory; the blob is stored either way.
		c.Log.WithError(err).WithField("address", address).Warn("pin failed")
	}

	now := c.Now().UTC()
	paper := &metadata.Paper{
		ID:             paperID,
		ExamID:         req.ExamID,
		Subject:        req.Subject,
		Filename:       req.Filename,
		Size:           int64(len(req.Content)),
		ContentAddress: address,
		PlaintextHash:  plaintextHash,
		Recipient:      req.Recipient,
		KeyVersion:     recipientKeys.Version,
		WrappedKey:     wrappedKey,
		IV:             iv,
		UnlockTime:     req.UnlockTime.UTC(),
		TimeAuthority:  c.Authority.Name(),
		TimeRef:        string(ref),
		TimeSealedKey:  timeSealed,
		Status:         StateSealed,
		UploadedBy:     uploader.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.Metadata.SavePaper(ctx, paper); err != nil {
		return res, err
	}

	res = SubmitResult{PaperID: paperID, ContentAddress: address, Status: StateSealed}

	commit, err := c.commitToLedger(ctx, paper)
	if err != nil {
		return res, err
	}
	res.TxID = commit.TxID
	res.BlockNumber = commit.BlockNumber
	res.Status = StateCommitted
	return res, nil
}

// commitToLedger performs the commit and the metadata update that records
// it, mapping each failure to the matching pending error.
func (c *Custodian) commitToLedger(ctx context.Context, paper *metadata.Paper) (ledger.CommitResult, error) {
	commit, err := c.Ledger.Commit(ctx, ledger.CommitRequest{
		PaperID:        paper.ID,
		ExamID:         paper.ExamID,
		Subject:        paper.Subject,
		ContentAddress: paper.ContentAddress,
		PlaintextHash:  paper.PlaintextHash,
		UnlockTime:     paper.UnlockTime,
		UploadedBy:     paper.UploadedBy,
	})
	if err != nil {
		c.Log.WithError(err).WithField("paper", paper.ID).Error("ledger commit failed")
		return commit, fmt.Errorf("paper %s: %w", paper.ID, fault.ErrLedgerCommitPending)
	}

	paper.LedgerTxID = commit.TxID
	paper.BlockNumber = commit.BlockNumber
	paper.Status = StateCommitted
	paper.UpdatedAt = c.Now().UTC()
	if err := c.Metadata.UpdatePaper(ctx, paper); err != nil {
		c.Log.WithError(err).WithField("paper", paper.ID).Error("metadata update failed after commit")
		return commit, fmt.Errorf("paper %s: %w", paper.ID, fault.ErrMetadataWritePending)
	}

	c.logSubmitTrail(ctx, paper, commit.TxID)
	return commit, nil
}

// logSubmitTrail appends the submission's access-log entries. The ledger
// only accepts entries for papers it holds, so this runs strictly after a
// successful commit.
func (c *Custodian) logSubmitTrail(ctx context.Context, paper *metadata.Paper, txID string) {
	c.logAccess(ctx, paper.ID, paper.UploadedBy, ledger.ActionUpload, map[string]string{
		"filename": paper.Filename,
		"address":  paper.ContentAddress,
	})
	c.logAccess(ctx, paper.ID, paper.UploadedBy, ledger.ActionEncrypt, map[string]string{
		"recipient": paper.Recipient,
	})
	c.logAccess(ctx, paper.ID, paper.UploadedBy, ledger.ActionChain, map[string]string{
		"tx_id": txID,
	})
}

// RetryCommit resumes a submission interrupted between blob storage and a
// durable ledger commit. The paper is never re-encrypted; if the ledger
// already holds it, the recorded transaction is adopted into metadata.
func (c *Custodian) RetryCommit(ctx context.Context, paperID string) (SubmitResult, error) {
	var res SubmitResult

	paper, err := c.Metadata.Paper(ctx, paperID)
	if err != nil {
		return res, err
	}
	res = SubmitResult{PaperID: paper.ID, ContentAddress: paper.ContentAddress, Status: paper.Status}
	if paper.Status != StateSealed {
		return res, fmt.Errorf("paper %s is %s, nothing to retry", paperID, paper.Status)
	}

	commit, err := c.commitToLedger(ctx, paper)
	if errors.Is(err, fault.ErrLedgerCommitPending) {
		// The earlier attempt may have landed before its response was
		// lost. Commit rejects duplicates, so reconcile from the chain.
		rec, getErr := c.Ledger.Get(ctx, paperID)
		if getErr != nil {
			return res, err
		}
		paper.LedgerTxID = rec.TxID
		paper.BlockNumber = rec.BlockNumber
		paper.Status = StateCommitted
		paper.UpdatedAt = c.Now().UTC()
		if updErr := c.Metadata.UpdatePaper(ctx, paper); updErr != nil {
			return res, fmt.Errorf("paper %s: %w", paperID, fault.ErrMetadataWritePending)
		}
		c.logSubmitTrail(ctx, paper, rec.TxID)
		commit = ledger.CommitResult{TxID: rec.TxID, BlockNumber: rec.BlockNumber, Status: rec.Status}
	} else if err != nil {
		return res, err
	}

	res.TxID = commit.TxID
	res.BlockNumber = commit.BlockNumber
	res.Status = StateCommitted
	return res, nil
}

// ReleaseRequest authorizes opening a paper. KeyPassword unseals the
// recipient's private key; empty means Password covers both.
type ReleaseRequest struct {
	PaperID     string
	ActorID     string
	Password    string
	KeyPassword string
}

// ReleaseResult carries the recovered plaintext.
type ReleaseResult struct {
	PaperID     string
	Filename    string
	Content     []byte
	Status      string
	TxID        string
	BlockNumber uint64
}

// Release opens a paper once its unlock time has passed. The ledger is
// consulted first for status and the committed hash; the recovered
// plaintext is always verified against that hash before anything is
// returned or any status changes.
func (c *Custodian) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	var res ReleaseResult

	rec, err := c.Ledger.Get(ctx, req.PaperID)
	if err != nil {
		return res, err
	}
	paper, err := c.Metadata.Paper(ctx, req.PaperID)
	if err != nil {
		return res, err
	}

	ref := timeauth.KeyReference(paper.TimeRef)
	ok, err := c.Authority.CanUnlock(ctx, ref)
	if err != nil {
		return res, fmt.Errorf("consulting %s authority: %w", paper.TimeAuthority, err)
	}
	if !ok {
		return res, fmt.Errorf("paper %s locked until %s: %w",
			req.PaperID, paper.UnlockTime.Format(time.RFC3339), fault.ErrPaperStillLocked)
	}

	actor, err := c.Identity.Lookup(req.ActorID)
	if err != nil {
		return res, err
	}
	if !c.Identity.CanRelease(actor) {
		return res, fmt.Errorf("role %s: %w", actor.Role, fault.ErrNotAuthorized)
	}
	if err := c.Identity.VerifyPassword(req.ActorID, req.Password); err != nil {
		return res, err
	}

	ciphertext, err := c.Blobs.Download(ctx, paper.ContentAddress)
	if err != nil {
		return res, err
	}
	c.logAccess(ctx, paper.ID, actor.ID, ledger.ActionDownload, map[string]string{
		"address": paper.ContentAddress,
	})

	wrapped := paper.WrappedKey
	if paper.TimeSealedKey != "" {
		wrapped, err = c.Authority.OpenAtTime(ctx, paper.TimeSealedKey)
		if err != nil {
			return res, fmt.Errorf("opening time-sealed key: %w", err)
		}
	}

	keyPassword := req.KeyPassword
	if keyPassword == "" {
		keyPassword = req.Password
	}
	priv, err := c.Keys.PrivateKeyVersion(ctx, paper.Recipient, paper.KeyVersion, keyPassword)
	if err != nil {
		return res, err
	}
	key, err := crypt.UnwrapKey(wrapped, priv)
	if err != nil {
		return res, err
	}
	defer zero(key)

	plaintext, err := crypt.SymmetricDecrypt(ciphertext, key, paper.IV)
	if err != nil {
		return res, err
	}

	// The committed hash is the arbiter. A mismatch means the blob or the
	// envelope was tampered with; nothing is released.
	if crypt.Hash(plaintext) != rec.PlaintextHash {
		return res, fmt.Errorf("paper %s: %w", req.PaperID, fault.ErrIntegrityCheckFailed)
	}

	res = ReleaseResult{
		PaperID:     paper.ID,
		Filename:    paper.Filename,
		Content:     plaintext,
		Status:      StateReleased,
		TxID:        rec.TxID,
		BlockNumber: rec.BlockNumber,
	}

	if rec.Status == ledger.StatusLocked {
		commit, err := c.Ledger.UpdateStatus(ctx, paper.ID, ledger.StatusReleased)
		if err != nil {
			return res, err
		}
		res.TxID = commit.TxID
		res.BlockNumber = commit.BlockNumber

		paper.Status = StateReleased
		paper.LedgerTxID = commit.TxID
		paper.BlockNumber = commit.BlockNumber
		paper.UpdatedAt = c.Now().UTC()
		if err := c.Metadata.UpdatePaper(ctx, paper); err != nil {
			c.Log.WithError(err).WithField("paper", paper.ID).Error("metadata update failed after release")
		}
	}

	c.logAccess(ctx, paper.ID, actor.ID, ledger.ActionDecrypt, nil)
	return res, nil
}

// VerifyResult reports an integrity check and where the expected hash came
// from. Source is "ledger" when the chain answered, "metadata" only when
// the chain was unreachable, so auditors can weigh the verdict.
type VerifyResult struct {
	PaperID      string
	Matches      bool
	ExpectedHash string
	ProvidedHash string
	Source       string
}

// Verify compares a hash against the committed one.
func (c *Custodian) Verify(ctx context.Context, paperID, providedHash string) (VerifyResult, error) {
	res := VerifyResult{PaperID: paperID, ProvidedHash: providedHash, Source: "ledger"}

	rec, err := c.Ledger.Get(ctx, paperID)
	switch {
	case err == nil:
		res.ExpectedHash = rec.PlaintextHash
	case errors.Is(err, fault.ErrLedgerUnavailable) || errors.Is(err, fault.ErrTimeout):
		paper, merrr := c.Metadata.Paper(ctx, paperID)
		if merrr != nil {
			return res, err
		}
		c.Log.WithField("paper", paperID).Warn("ledger unreachable, verifying against metadata")
		res.Source = "metadata"
		res.ExpectedHash = paper.PlaintextHash
	default:
		return res, err
	}

	res.Matches = res.ExpectedHash == providedHash
	return res, nil
}

// Inspect returns the ledger projection and stored metadata for a paper
// and records the view in the access log.
func (c *Custodian) Inspect(ctx context.Context, paperID, actorID string) (ledger.Record, *metadata.Paper, error) {
	rec, err := c.Ledger.Get(ctx, paperID)
	if err != nil {
		return rec, nil, err
	}
	paper, err := c.Metadata.Paper(ctx, paperID)
	if err != nil {
		return rec, nil, err
	}
	c.logAccess(ctx, paperID, actorID, ledger.ActionView, nil)
	return rec, paper, nil
}

// logAccess appends to the audit trail. Failures are logged, not
// surfaced: an unreachable audit sink must not abort custody operations
// that already succeeded.
func (c *Custodian) logAccess(ctx context.Context, paperID, actorID string, action ledger.Action, details map[string]string) {
	err := c.Ledger.RecordAccess(ctx, ledger.AccessEntry{
		PaperID: paperID,
		ActorID: actorID,
		Action:  action,
		Details: details,
	})
	if err != nil {
		c.Log.WithError(err).WithFields(logrus.Fields{
			"paper":  paperID,
			"action": action,
		}).Warn("access log append failed")
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

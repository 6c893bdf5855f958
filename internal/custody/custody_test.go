package custody

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papervault/internal/blobstore"
	"papervault/internal/fault"
	"papervault/internal/identity"
	"papervault/internal/keyring"
	"papervault/internal/ledger"
	"papervault/internal/metadata"
	"papervault/internal/testutil"
	"papervault/internal/timeauth"
)

type pipeline struct {
	custodian *Custodian
	clock     *time.Time // advanced by tests
}

func credential(id, role, password string) identity.Credential {
	salt := []byte("fixed-test-salt!")
	return identity.Credential{
		ID:           id,
		Name:         id,
		Role:         role,
		PasswordHash: identity.HashPassword(password, salt, 2048),
		Salt:         hex.EncodeToString(salt),
		Iterations:   2048,
	}
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)

	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &pipeline{clock: &current}
	now := func() time.Time { return *p.clock }

	blobs, err := blobstore.OpenLocal(blobstore.Config{Path: filepath.Join(dir, "blobs"), Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	led, err := ledger.OpenLocal(ledger.Config{Path: filepath.Join(dir, "ledger"), Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	meta, err := metadata.OpenSQLite(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	for _, examID := range []string{"exam-2026-spring", "exam"} {
		require.NoError(t, meta.SaveExam(context.Background(), &metadata.Exam{
			ID:          examID,
			Name:        "Spring Finals",
			Subject:     "mathematics",
			ScheduledAt: current.Add(72 * time.Hour),
			CreatedAt:   current,
		}))
	}

	ident, err := identity.NewStaticProvider([]identity.Credential{
		credential("teacher-1", identity.RoleTeacher, "teach-pw"),
		credential("coe-1", identity.RoleCoE, "coe-pw"),
	})
	require.NoError(t, err)

	keys := keyring.New(keyring.Config{Store: meta, Logger: log, Now: now})
	_, err = keys.Generate(context.Background(), "coe-1", "coe-pw")
	require.NoError(t, err)

	p.custodian = New(Custodian{
		Blobs:     blobs,
		Ledger:    led,
		Authority: timeauth.NewClockAuthority(now),
		Metadata:  meta,
		Identity:  ident,
		Keys:      keys,
		Log:       log,
		Now:       now,
	})
	return p
}

func (p *pipeline) advance(d time.Duration) {
	*p.clock = p.clock.Add(d)
}

func submitSample(t *testing.T, p *pipeline, content []byte) SubmitResult {
	t.Helper()
	res, err := p.custodian.Submit(context.Background(), SubmitRequest{
		ExamID:     "exam-2026-spring",
		Subject:    "mathematics",
		Filename:   "final.pdf",
		Content:    content,
		UnlockTime: p.clock.Add(72 * time.Hour),
		UploadedBy: "teacher-1",
		Recipient:  "coe-1",
	})
	require.NoError(t, err)
	return res
}

func paperContent(t *testing.T, size int) []byte {
	t.Helper()
	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(t, err)
	return content
}

func TestSubmit_SealsStoresAndCommits(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	content := paperContent(t, 10*1024)

	res := submitSample(t, p, content)
	assert.Equal(t, StateCommitted, res.Status)
	assert.Equal(t, uint64(1), res.BlockNumber)
	assert.NotEmpty(t, res.TxID)
	assert.True(t, testutil.IsUUID(res.PaperID))
	assert.Equal(t, blobstore.AddressFor(mustDownload(t, p, res.ContentAddress)), res.ContentAddress)

	// Ciphertext at rest never equals the plaintext.
	assert.False(t, bytes.Contains(mustDownload(t, p, res.ContentAddress), content[:64]))

	rec, err := p.custodian.Ledger.Get(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusLocked, rec.Status)
	assert.Equal(t, res.ContentAddress, rec.ContentAddress)

	paper, err := p.custodian.Metadata.Paper(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, paper.Status)
	assert.NotEmpty(t, paper.WrappedKey)
	assert.NotEqual(t, paper.PlaintextHash, "")

	entries, err := p.custodian.Ledger.AccessLog(ctx, res.PaperID)
	require.NoError(t, err)
	actions := make([]ledger.Action, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ledger.ActionUpload)
	assert.Contains(t, actions, ledger.ActionEncrypt)
	assert.Contains(t, actions, ledger.ActionChain)
}

func mustDownload(t *testing.T, p *pipeline, address string) []byte {
	t.Helper()
	data, err := p.custodian.Blobs.Download(context.Background(), address)
	require.NoError(t, err)
	return data
}

func TestSubmit_RejectsPastUnlockTime(t *testing.T) {
	p := newPipeline(t)

	_, err := p.custodian.Submit(context.Background(), SubmitRequest{
		ExamID:     "exam",
		Subject:    "math",
		Filename:   "f.pdf",
		Content:    []byte("content"),
		UnlockTime: p.clock.Add(-time.Hour),
		UploadedBy: "teacher-1",
		Recipient:  "coe-1",
	})
	assert.Error(t, err)
}

func TestSubmit_UnknownExamRejected(t *testing.T) {
	p := newPipeline(t)

	_, err := p.custodian.Submit(context.Background(), SubmitRequest{
		ExamID:     "exam-nowhere",
		Subject:    "math",
		Filename:   "f.pdf",
		Content:    []byte("content"),
		UnlockTime: p.clock.Add(time.Hour),
		UploadedBy: "teacher-1",
		Recipient:  "coe-1",
	})
	assert.ErrorIs(t, err, fault.ErrExamNotFound)
}

func TestRelease_RefusedBeforeUnlockTime(t *testing.T) {
	p := newPipeline(t)
	res := submitSample(t, p, paperContent(t, 2048))

	_, err := p.custodian.Release(context.Background(), ReleaseRequest{
		PaperID: res.PaperID, ActorID: "coe-1", Password: "coe-pw",
	})
	assert.ErrorIs(t, err, fault.ErrPaperStillLocked)
}

func TestRelease_AfterUnlockTime(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	content := paperContent(t, 10 * 1024)
	res := submitSample(t, p, content)

	p.advance(73 * time.Hour)

	out, err := p.custodian.Release(ctx, ReleaseRequest{
		PaperID: res.PaperID, ActorID: "coe-1", Password: "coe-pw",
	})
	require.NoError(t, err)
	assert.Equal(t, content, out.Content)
	assert.Equal(t, "final.pdf", out.Filename)
	assert.Equal(t, uint64(2), out.BlockNumber, "release appends a second block")

	rec, err := p.custodian.Ledger.Get(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReleased, rec.Status)

	paper, err := p.custodian.Metadata.Paper(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, paper.Status)

	// A second release still decrypts but appends no new status block.
	again, err := p.custodian.Release(ctx, ReleaseRequest{
		PaperID: res.PaperID, ActorID: "coe-1", Password: "coe-pw",
	})
	require.NoError(t, err)
	assert.Equal(t, content, again.Content)
	assert.Equal(t, uint64(2), again.BlockNumber)
}

func TestRelease_WrongPassword(t *testing.T) {
	p := newPipeline(t)
	res := submitSample(t, p, paperContent(t, 2048))
	p.advance(73 * time.Hour)

	_, err := p.custodian.Release(context.Background(), ReleaseRequest{
		PaperID: res.PaperID, ActorID: "coe-1", Password: "nope",
	})
	assert.ErrorIs(t, err, fault.ErrWrongPassword)
}

func TestRelease_TeacherMayNotRelease(t *testing.T) {
	p := newPipeline(t)
	res := submitSample(t, p, paperContent(t, 2048))
	p.advance(73 * time.Hour)

	_, err := p.custodian.Release(context.Background(), ReleaseRequest{
		PaperID: res.PaperID, ActorID: "teacher-1", Password: "teach-pw",
	})
	assert.ErrorIs(t, err, fault.ErrNotAuthorized)
}

// tamperedStore returns doctored bytes on download.
type tamperedStore struct {
	blobstore.Store
}

func (s *tamperedStore) Download(ctx context.Context, address string) ([]byte, error) {
	data, err := s.Store.Download(ctx, address)
	if err != nil {
		return nil, err
	}
	doctored := append([]byte(nil), data...)
	doctored[len(doctored)/2] ^= 0xff
	return doctored, nil
}

func TestRelease_DetectsTamperedBlob(t *testing.T) {
	p := newPipeline(t)
	res := submitSample(t, p, paperContent(t, 4096))
	p.advance(73 * time.Hour)

	p.custodian.Blobs = &tamperedStore{Store: p.custodian.Blobs}
	_, err := p.custodian.Release(context.Background(), ReleaseRequest{
		PaperID: res.PaperID, ActorID: "coe-1", Password: "coe-pw",
	})
	assert.ErrorIs(t, err, fault.ErrIntegrityCheckFailed)

	rec, recErr := p.custodian.Ledger.Get(context.Background(), res.PaperID)
	require.NoError(t, recErr)
	assert.Equal(t, ledger.StatusLocked, rec.Status, "failed release must not change status")
}

// flakyLedger fails Commit a configured number of times. When commitLands
// is set the commit is applied before the error is returned, modeling a
// lost response.
type flakyLedger struct {
	ledger.Ledger
	failures    int
	commitLands bool
}

func (f *flakyLedger) Commit(ctx context.Context, req ledger.CommitRequest) (ledger.CommitResult, error) {
	if f.failures > 0 {
		f.failures--
		if f.commitLands {
			f.Ledger.Commit(ctx, req)
		}
		return ledger.CommitResult{}, fault.ErrLedgerUnavailable
	}
	return f.Ledger.Commit(ctx, req)
}

func TestSubmit_LedgerFailureLeavesRetryableState(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	inner := p.custodian.Ledger
	p.custodian.Ledger = &flakyLedger{Ledger: inner, failures: 1}

	res, err := p.custodian.Submit(ctx, SubmitRequest{
		ExamID:     "exam",
		Subject:    "math",
		Filename:   "f.pdf",
		Content:    paperContent(t, 2048),
		UnlockTime: p.clock.Add(time.Hour),
		UploadedBy: "teacher-1",
		Recipient:  "coe-1",
	})
	require.ErrorIs(t, err, fault.ErrLedgerCommitPending)
	require.NotEmpty(t, res.PaperID)

	paper, err := p.custodian.Metadata.Paper(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, StateSealed, paper.Status, "sealed state survives for retry")
	wrappedBefore := append([]byte(nil), paper.WrappedKey...)

	// The blob is already stored under its content address.
	_, err = p.custodian.Blobs.Download(ctx, res.ContentAddress)
	require.NoError(t, err)

	retried, err := p.custodian.RetryCommit(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, retried.Status)
	assert.Equal(t, uint64(1), retried.BlockNumber)

	// Retry never re-seals the envelope.
	paper, err = p.custodian.Metadata.Paper(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, wrappedBefore, paper.WrappedKey)

	// The submission trail lands with the commit, not before it.
	entries, err := inner.AccessLog(ctx, res.PaperID)
	require.NoError(t, err)
	actions := make([]ledger.Action, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ledger.ActionUpload)
	assert.Contains(t, actions, ledger.ActionEncrypt)
	assert.Contains(t, actions, ledger.ActionChain)
}

func TestRetryCommit_AdoptsCommitThatLanded(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	inner := p.custodian.Ledger
	// The submit's commit lands but its response is lost. The retry's own
	// Commit is then rejected as a duplicate and RetryCommit must
	// reconcile from the chain instead.
	p.custodian.Ledger = &flakyLedger{Ledger: inner, failures: 1, commitLands: true}

	res, err := p.custodian.Submit(ctx, SubmitRequest{
		ExamID:     "exam",
		Subject:    "math",
		Filename:   "f.pdf",
		Content:    paperContent(t, 2048),
		UnlockTime: p.clock.Add(time.Hour),
		UploadedBy: "teacher-1",
		Recipient:  "coe-1",
	})
	require.ErrorIs(t, err, fault.ErrLedgerCommitPending)

	retried, err := p.custodian.RetryCommit(ctx, res.PaperID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, retried.Status)
	assert.Equal(t, uint64(1), retried.BlockNumber, "adopted the transaction that landed")

	entries, err := inner.AccessLog(ctx, res.PaperID)
	require.NoError(t, err)
	actions := make([]ledger.Action, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ledger.ActionUpload)
	assert.Contains(t, actions, ledger.ActionChain)
}

// unavailableLedger refuses reads, for the verification fallback path.
type unavailableLedger struct {
	ledger.Ledger
}

func (u *unavailableLedger) Get(ctx context.Context, paperID string) (ledger.Record, error) {
	return ledger.Record{}, fault.ErrLedgerUnavailable
}

func TestVerify_Provenance(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	content := paperContent(t, 2048)
	res := submitSample(t, p, content)

	paper, err := p.custodian.Metadata.Paper(ctx, res.PaperID)
	require.NoError(t, err)

	got, err := p.custodian.Verify(ctx, res.PaperID, paper.PlaintextHash)
	require.NoError(t, err)
	assert.True(t, got.Matches)
	assert.Equal(t, "ledger", got.Source)

	got, err = p.custodian.Verify(ctx, res.PaperID, "0000")
	require.NoError(t, err)
	assert.False(t, got.Matches)

	p.custodian.Ledger = &unavailableLedger{Ledger: p.custodian.Ledger}
	got, err = p.custodian.Verify(ctx, res.PaperID, paper.PlaintextHash)
	require.NoError(t, err)
	assert.True(t, got.Matches)
	assert.Equal(t, "metadata", got.Source, "degraded verification is labeled")
}

func TestInspect_RecordsView(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	res := submitSample(t, p, paperContent(t, 2048))

	rec, paper, err := p.custodian.Inspect(ctx, res.PaperID, "coe-1")
	require.NoError(t, err)
	assert.Equal(t, res.PaperID, rec.PaperID)
	assert.Equal(t, res.ContentAddress, paper.ContentAddress)

	entries, err := p.custodian.Ledger.AccessLog(ctx, res.PaperID)
	require.NoError(t, err)
	var views int
	for _, e := range entries {
		if e.Action == ledger.ActionView {
			views++
		}
	}
	assert.Equal(t, 1, views)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateDraft, StateUploaded))
	assert.True(t, CanTransition(StateCommitted, StateReleased))
	assert.False(t, CanTransition(StateReleased, StateCommitted))
	assert.False(t, CanTransition(StateSealed, StateReleased))
	assert.False(t, CanTransition(StateReleased, StateDraft))
}

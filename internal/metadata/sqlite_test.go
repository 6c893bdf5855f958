package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papervault/internal/fault"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func samplePaper(id string) *Paper {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return &Paper{
		ID:             id,
		ExamID:         "exam-2026-spring",
		Subject:        "mathematics",
		Filename:       "final.pdf",
		Size:           20480,
		ContentAddress: "Qmabc123",
		PlaintextHash:  "deadbeef",
		Recipient:      "coe",
		KeyVersion:     1,
		WrappedKey:     []byte("wrapped"),
		IV:             []byte("0123456789abcdef"),
		UnlockTime:     now.Add(72 * time.Hour),
		TimeAuthority:  "clock",
		TimeRef:        `{"unlock_time":"2026-05-04T10:00:00Z"}`,
		Status:         "sealed",
		UploadedBy:     "teacher-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLite_PaperRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := samplePaper("paper-1")
	require.NoError(t, st.SavePaper(ctx, p))

	got, err := st.Paper(ctx, "paper-1")
	require.NoError(t, err)
	assert.Equal(t, p.ContentAddress, got.ContentAddress)
	assert.Equal(t, p.WrappedKey, got.WrappedKey)
	assert.Equal(t, p.IV, got.IV)
	assert.Equal(t, p.UnlockTime, got.UnlockTime)
	assert.Equal(t, "sealed", got.Status)
}

func TestSQLite_DuplicatePaperRejected(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SavePaper(ctx, samplePaper("paper-1")))
	err := st.SavePaper(ctx, samplePaper("paper-1"))
	assert.ErrorIs(t, err, fault.ErrPaperAlreadyExists)
}

func TestSQLite_UpdatePaper(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := samplePaper("paper-1")
	require.NoError(t, st.SavePaper(ctx, p))

	p.LedgerTxID = "tx-abc"
	p.BlockNumber = 7
	p.Status = "committed"
	p.UpdatedAt = p.UpdatedAt.Add(time.Minute)
	require.NoError(t, st.UpdatePaper(ctx, p))

	got, err := st.Paper(ctx, "paper-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-abc", got.LedgerTxID)
	assert.Equal(t, uint64(7), got.BlockNumber)
	assert.Equal(t, "committed", got.Status)
}

func TestSQLite_UpdateUnknownPaper(t *testing.T) {
	st := openTestStore(t)

	err := st.UpdatePaper(context.Background(), samplePaper("ghost"))
	assert.ErrorIs(t, err, fault.ErrPaperNotFound)
}

func TestSQLite_UnknownPaper(t *testing.T) {
	st := openTestStore(t)

	_, err := st.Paper(context.Background(), "nope")
	assert.ErrorIs(t, err, fault.ErrPaperNotFound)
}

func TestSQLite_PapersByExam(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		p := samplePaper("paper-" + id)
		require.NoError(t, st.SavePaper(ctx, p))
	}
	other := samplePaper("paper-other")
	other.ExamID = "exam-other"
	require.NoError(t, st.SavePaper(ctx, other))

	papers, err := st.PapersByExam(ctx, "exam-2026-spring")
	require.NoError(t, err)
	require.Len(t, papers, 3)
	for _, p := range papers {
		assert.Equal(t, "exam-2026-spring", p.ExamID)
	}
}

func TestSQLite_ExamRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	e := &Exam{
		ID:          "exam-2026-spring",
		Name:        "Spring Finals",
		Subject:     "mathematics",
		ScheduledAt: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveExam(ctx, e))

	got, err := st.Exam(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.ScheduledAt, got.ScheduledAt)

	_, err = st.Exam(ctx, "missing")
	assert.ErrorIs(t, err, fault.ErrExamNotFound)
}

func TestSQLite_KeyMaterialVersioning(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	v1 := &KeyMaterial{
		Owner: "coe", Version: 1, PublicKey: "pub-v1",
		SealedPrivateKey: []byte("sealed-v1"), Salt: []byte("salt-v1"),
		Iterations: 100_000, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveKeyMaterial(ctx, v1))

	// Skipping a version is rejected; the sequence stays dense.
	bad := *v1
	bad.Version = 3
	assert.Error(t, st.SaveKeyMaterial(ctx, &bad))

	v2 := *v1
	v2.Version = 2
	v2.PublicKey = "pub-v2"
	require.NoError(t, st.SaveKeyMaterial(ctx, &v2))

	latest, err := st.LatestKeyMaterial(ctx, "coe")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "pub-v2", latest.PublicKey)

	// Superseded versions remain readable.
	old, err := st.KeyMaterialVersion(ctx, "coe", 1)
	require.NoError(t, err)
	assert.Equal(t, "pub-v1", old.PublicKey)

	_, err = st.LatestKeyMaterial(ctx, "nobody")
	assert.ErrorIs(t, err, fault.ErrKeyMaterialNotFound)
}

package timeauth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papervault/internal/testutil"
)

func TestClockAuthority_RefusesBeforeUnlockTime(t *testing.T) {
	current := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	auth := NewClockAuthority(func() time.Time { return current })

	ref, err := auth.Lock(current.Add(2 * time.Hour))
	require.NoError(t, err)

	ok, err := auth.CanUnlock(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, ok)

	// Advance past the unlock instant.
	current = current.Add(2*time.Hour + time.Second)
	ok, err = auth.CanUnlock(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClockAuthority_UnlocksAtExactInstant(t *testing.T) {
	unlock := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	auth := NewClockAuthority(func() time.Time { return unlock })

	ref, err := auth.Lock(unlock)
	require.NoError(t, err)

	ok, err := auth.CanUnlock(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok, "unlock instant itself is past the lock")
}

func TestClockAuthority_NoTimeSealing(t *testing.T) {
	auth := NewClockAuthority(nil)

	ref, err := auth.Lock(time.Now().Add(time.Hour))
	require.NoError(t, err)

	sealed, err := auth.SealToTime([]byte("wrapped"), ref)
	require.NoError(t, err)
	assert.Empty(t, sealed)

	_, err = auth.OpenAtTime(context.Background(), "anything")
	assert.Error(t, err)
}

func TestClockAuthority_RejectsMalformedReference(t *testing.T) {
	auth := NewClockAuthority(nil)

	_, err := auth.CanUnlock(context.Background(), KeyReference("not-json"))
	assert.Error(t, err)
}

func drandForTest(t *testing.T, latestRound uint64) (*DrandAuthority, *testutil.FakeTimelockBox) {
	t.Helper()
	doer := &testutil.FakeHTTPDoer{
		Responses: map[string]*http.Response{
			"/info":          testutil.MakeDrandInfoResponse(),
			"/public/latest": testutil.MakeDrandPublicResponse(latestRound),
		},
	}
	box := &testutil.FakeTimelockBox{}
	return NewDrandAuthorityWithDeps(doer, box), box
}

func TestDrandAuthority_RoundMathRoundsUp(t *testing.T) {
	auth, _ := drandForTest(t, 1)

	// Fake genesis 1677685200, period 3s. 10 seconds after genesis does
	// not sit on a round boundary, so the covering round is ceil(10/3)=4.
	unlock := time.Unix(1677685200+10, 0).UTC()
	ref, err := auth.Lock(unlock)
	require.NoError(t, err)

	parsed, err := auth.parseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), parsed.TargetRound)
	assert.Equal(t, unlock, parsed.UnlockTime)

	// An exact boundary maps onto the round itself.
	ref, err = auth.Lock(time.Unix(1677685200+9, 0).UTC())
	require.NoError(t, err)
	parsed, err = auth.parseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), parsed.TargetRound)
}

func TestDrandAuthority_RejectsUnlockBeforeGenesis(t *testing.T) {
	auth, _ := drandForTest(t, 1)

	_, err := auth.Lock(time.Unix(1677685200-60, 0).UTC())
	assert.Error(t, err)
}

func TestDrandAuthority_CanUnlockTracksBeacon(t *testing.T) {
	unlock := time.Unix(1677685200+30, 0).UTC() // round 10

	behind, _ := drandForTest(t, 9)
	ref, err := behind.Lock(unlock)
	require.NoError(t, err)
	ok, err := behind.CanUnlock(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, ok, "beacon has not reached the target round")

	caught, _ := drandForTest(t, 10)
	ok, err = caught.CanUnlock(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDrandAuthority_RejectsForeignReference(t *testing.T) {
	auth, _ := drandForTest(t, 1)

	_, err := auth.CanUnlock(context.Background(), KeyReference(`{"network":"mainnet","target_round":5}`))
	assert.Error(t, err)
}

func TestDrandAuthority_SealAndOpenRoundTrip(t *testing.T) {
	auth, box := drandForTest(t, 100)

	ref, err := auth.Lock(time.Unix(1677685200+30, 0).UTC())
	require.NoError(t, err)

	wrapped := []byte("wrapped-paper-key")
	sealed, err := auth.SealToTime(wrapped, ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), box.LastRound, "sealed to the reference's round")

	opened, err := auth.OpenAtTime(context.Background(), sealed)
	require.NoError(t, err)
	assert.Equal(t, wrapped, opened)
}

func TestNew_SelectsAuthorityByMode(t *testing.T) {
	assert.Equal(t, "drand", New(Config{Mode: ModeDrand}).Name())
	assert.Equal(t, "clock", New(Config{Mode: ModeClock}).Name())
	assert.Equal(t, "clock", New(Config{}).Name())
}

func TestNewDrandAuthority_BoundedClient(t *testing.T) {
	client, ok := NewDrandAuthority(0).httpClient.(*http.Client)
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, client.Timeout)

	client, ok = NewDrandAuthority(5 * time.Second).httpClient.(*http.Client)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, client.Timeout)
}

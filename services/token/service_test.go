package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kinostream/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, maxUses int) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	svc, err := NewService(testSecret, 90*time.Second, maxUses, clock.Now)
	require.NoError(t, err)
	return svc, clock
}

func testDesc() models.SourceDescriptor {
	return models.SourceDescriptor{
		SourceURL: "https://cdn.example/s01e05-480.mp4",
		Quality:   480,
		Origin:    models.OriginPlayerData,
	}
}

func TestIssueAndConsume(t *testing.T) {
	svc, _ := newTestService(t, 2)

	tok, expiresAt, err := svc.Issue(testDesc())
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700000000, 0).Add(90*time.Second), expiresAt)

	got, err := svc.Consume(tok)
	require.NoError(t, err)
	require.Equal(t, testDesc(), got)
}

func TestConsumeExhaustsUses(t *testing.T) {
	svc, _ := newTestService(t, 2)
	tok, _, err := svc.Issue(testDesc())
	require.NoError(t, err)

	_, err = svc.Consume(tok)
	require.NoError(t, err)
	_, err = svc.Consume(tok)
	require.NoError(t, err)
	_, err = svc.Consume(tok)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestConsumeAfterExpiry(t *testing.T) {
	svc, clock := newTestService(t, 2)
	tok, _, err := svc.Issue(testDesc())
	require.NoError(t, err)

	clock.Advance(91 * time.Second)
	_, err = svc.Consume(tok)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestConsumeTamperedToken(t *testing.T) {
	svc, _ := newTestService(t, 2)
	tok, _, err := svc.Issue(testDesc())
	require.NoError(t, err)

	encoded, sig, ok := strings.Cut(tok, ".")
	require.True(t, ok)

	// Flipped payload, original signature.
	_, err = svc.Consume(flipByte(encoded) + "." + sig)
	require.ErrorIs(t, err, ErrInvalid)

	// Original payload, flipped signature.
	_, err = svc.Consume(encoded + "." + flipByte(sig))
	require.ErrorIs(t, err, ErrInvalid)

	// Structurally broken.
	_, err = svc.Consume("not-a-token")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestConsumeUnknownButWellSigned(t *testing.T) {
	// A token issued by a previous process signs verifiably but has no
	// record; that is an availability problem, not a forgery.
	issuer, _ := newTestService(t, 2)
	fresh, _ := newTestService(t, 2)

	tok, _, err := issuer.Issue(testDesc())
	require.NoError(t, err)

	_, err = fresh.Consume(tok)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestConsumeRejectsNonPositiveExpiry(t *testing.T) {
	svc, _ := newTestService(t, 2)

	// Well-signed but structurally bad: the expiry never validates.
	for _, exp := range []int64{0, -1} {
		body, err := json.Marshal(payload{Nonce: "deadbeef", Expires: exp})
		require.NoError(t, err)
		encoded := base64.RawURLEncoding.EncodeToString(body)
		tok := encoded + "." + base64.RawURLEncoding.EncodeToString(svc.sign(encoded))

		_, err = svc.Consume(tok)
		require.ErrorIs(t, err, ErrInvalid, "exp=%d", exp)
	}
}

func TestIssueSweepsExpiredRecords(t *testing.T) {
	svc, clock := newTestService(t, 2)
	_, _, err := svc.Issue(testDesc())
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, _, err = svc.Issue(testDesc())
	require.NoError(t, err)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.records, 1)
}

func TestConsumeSweepsExpiredRecords(t *testing.T) {
	svc, clock := newTestService(t, 2)
	_, _, err := svc.Issue(testDesc())
	require.NoError(t, err)
	tok, _, err := svc.Issue(testDesc())
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = svc.Consume(tok)
	require.ErrorIs(t, err, ErrUnavailable)

	// Both records are gone, including the one never consumed.
	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Empty(t, svc.records)
}

func flipByte(s string) string {
	b := []byte(s)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}

package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPairingTokenSingleUse(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	token, err := s.CreatePairingToken()
	require.NoError(t, err)

	ok, err := s.ValidatePairingToken(token)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ValidatePairingToken(token)
	require.NoError(t, err)
	require.False(t, ok, "token must not be valid twice")
}

func TestPairingTokenExpiry(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	token, err := s.CreatePairingToken()
	require.NoError(t, err)

	s.mu.Lock()
	tokens, err := s.loadTokensLocked()
	require.NoError(t, err)
	tokens[token] = time.Now().Add(-time.Second).Unix()
	require.NoError(t, s.saveTokensLocked(tokens))
	s.mu.Unlock()

	ok, err := s.ValidatePairingToken(token)
	require.NoError(t, err)
	require.False(t, ok, "expired token must not validate")
}

func TestConcurrentValidationConsumesTokenOnce(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	token, err := s.CreatePairingToken()
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	results := make([]bool, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			ok, err := s.ValidatePairingToken(token)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	require.Equal(t, 1, successes, "a pairing token must validate at most once even under concurrent redemption")
}

func TestUnknownPairingTokenRejected(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ok, err := s.ValidatePairingToken("not-a-real-token")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddDeviceAndPublicKey(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AddDevice("dev-1", "b64pubkey", "Alice's iPhone"))

	pk, err := s.PublicKey("dev-1")
	require.NoError(t, err)
	require.Equal(t, "b64pubkey", pk)

	_, err = s.PublicKey("dev-unknown")
	require.Error(t, err)
}

func TestRecordAuthUpdatesLastSeenOnSuccess(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.AddDevice("dev-1", "pk", "phone"))

	s.RecordAuth("dev-1", true)

	devices := s.List()
	require.Len(t, devices, 1)
	require.NotNil(t, devices[0].LastSeen)
}

func TestRevokeDevice(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.AddDevice("dev-1", "pk", "phone"))

	require.NoError(t, s.Revoke("dev-1"))
	require.Empty(t, s.List())

	err = s.Revoke("dev-1")
	require.Error(t, err, "revoking an already-removed device must error")
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.AddDevice("dev-1", "pk", "phone"))

	s2, err := Open(dir)
	require.NoError(t, err)
	require.Len(t, s2.List(), 1)
}

func TestGeneratePairingDataShape(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data, err := s.GeneratePairingData("deadbeef", 4433)
	require.NoError(t, err)
	require.NotEmpty(t, data.Token)
	require.Equal(t, uint16(4433), data.Port)
	require.Equal(t, 300, data.ExpiresInSecs)
	require.Contains(t, data.QRPayloadJSON, `"fp":"deadbeef"`)
	require.Contains(t, data.QRPayloadJSON, `"v":1`)
}

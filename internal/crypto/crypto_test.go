package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// Well-known hardhat account #0.
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())
	assert.Equal(t, domain.Identity(testAddress), s.Identity())
}

func TestSignAndRecover(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	sig, err := s.Sign("hello")
	require.NoError(t, err)
	assert.Len(t, strings.TrimPrefix(sig, "0x"), 130)

	addr, err := RecoverAddress("hello", sig)
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr.Hex())

	other, err := RecoverAddress("hellO", sig)
	require.NoError(t, err)
	assert.NotEqual(t, testAddress, other.Hex())
}

func TestVerifyRequest(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1_760_000_000, 0)
	body := `{"custody":"alice"}`

	h, err := s.RequestHeaders("POST", "/api/escrows/7/accept", body, now)
	require.NoError(t, err)

	id, err := VerifyRequest(strings.ToLower(h[HeaderAddress]), h[HeaderSignature], h[HeaderTimestamp],
		"POST", "/api/escrows/7/accept", body, now.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity(testAddress), id)

	_, err = VerifyRequest(h[HeaderAddress], h[HeaderSignature], h[HeaderTimestamp],
		"POST", "/api/escrows/7/settle", body, now, 5*time.Minute)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = VerifyRequest(h[HeaderAddress], h[HeaderSignature], h[HeaderTimestamp],
		"POST", "/api/escrows/7/accept", body, now.Add(10*time.Minute), 5*time.Minute)
	assert.ErrorIs(t, err, ErrClockSkew)

	_, err = VerifyRequest("0x0000000000000000000000000000000000000001", h[HeaderSignature], h[HeaderTimestamp],
		"POST", "/api/escrows/7/accept", body, now, 5*time.Minute)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestCanonicalIdentity(t *testing.T) {
	id, err := CanonicalIdentity(strings.ToLower(testAddress))
	require.NoError(t, err)
	assert.Equal(t, domain.Identity(testAddress), id)

	_, err = CanonicalIdentity("alice")
	assert.ErrorIs(t, err, domain.ErrInvalidParty)
}

func TestKeyFileRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)

	key, err := DecryptKey(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	_, err = NewSigner(k)
	assert.NoError(t, err)
}

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

func newTestBox(t *testing.T) *Box {
	provider, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	return NewBox(provider)
}

func TestBox_RoundTrip(t *testing.T) {
	box := newTestBox(t)

	creds := &agentwire.MountCredentials{
		Username: "backup",
		Password: "s3cret!",
		Domain:   "WORKGROUP",
	}

	blob, err := box.EncryptCredentials(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "s3cret!", "blob must not leak plaintext")

	got, err := box.DecryptCredentials(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestBox_DistinctNonces(t *testing.T) {
	box := newTestBox(t)
	creds := &agentwire.MountCredentials{Username: "u", Password: "p"}

	a, err := box.EncryptCredentials(creds)
	require.NoError(t, err)
	b, err := box.EncryptCredentials(creds)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "each encryption must use a fresh nonce")
}

func TestBox_TamperDetected(t *testing.T) {
	box := newTestBox(t)

	blob, err := box.EncryptCredentials(&agentwire.MountCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = box.DecryptCredentials(blob)
	assert.Error(t, err)
}

func TestBox_ShortBlobRejected(t *testing.T) {
	box := newTestBox(t)

	_, err := box.DecryptCredentials([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestMasterKey_Persisted(t *testing.T) {
	dir := t.TempDir()

	first, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	second, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Key(), second.Key(), "key must be stable across restarts")

	// A blob written by one provider instance decrypts with the other.
	blob, err := NewBox(first).EncryptCredentials(&agentwire.MountCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	got, err := NewBox(second).DecryptCredentials(blob)
	require.NoError(t, err)
	assert.Equal(t, "u", got.Username)
}

package vault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	v, err := Load(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	cases := []string{"", "hello world", "sk-ant-api03-xxxxxxx", "🚀 unicode"}
	for _, s := range cases {
		ct, err := v.Encrypt(s)
		require.NoError(t, err)
		require.NotEqual(t, s, ct)
		require.Equal(t, s, v.Decrypt(ct))
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	v, err := Load(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	require.Equal(t, "", v.Decrypt("not-a-valid-ciphertext"))
	require.Equal(t, "", v.Decrypt("v1:not-base64!!"))
}

func TestLoadPersistsKeyAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	v1, err := Load(path)
	require.NoError(t, err)

	ct, err := v1.Encrypt("persisted secret")
	require.NoError(t, err)

	v2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "persisted secret", v2.Decrypt(ct))
}

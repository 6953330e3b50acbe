package keystore

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()

	ks, err := New(Config{
		// 1024-bit keys keep test key generation fast.
		KeySize:          1024,
		RotationInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(ks.Stop)
	return ks
}

func TestSignAndVerify(t *testing.T) {
	ks := newTestKeyStore(t)

	claims := jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := ks.Sign(claims)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, ks.Keyfunc)
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	kid, _ := ks.Current()
	assert.Equal(t, kid, parsed.Header["kid"])
}

func TestRotate_OldTokensStillVerify(t *testing.T) {
	ks := newTestKeyStore(t)

	signed, err := ks.Sign(jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	oldKid, _ := ks.Current()

	require.NoError(t, ks.Rotate())

	newKid, _ := ks.Current()
	assert.NotEqual(t, oldKid, newKid)

	// Tokens signed before the rotation verify via the historical key.
	parsed, err := jwt.Parse(signed, ks.Keyfunc)
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	// New signatures use the new key.
	signed2, err := ks.Sign(jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	parsed2, err := jwt.Parse(signed2, ks.Keyfunc)
	require.NoError(t, err)
	assert.Equal(t, newKid, parsed2.Header["kid"])
}

func TestKeyfunc_UnknownKid(t *testing.T) {
	ks := newTestKeyStore(t)
	other := newTestKeyStore(t)

	signed, err := other.Sign(jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = jwt.Parse(signed, ks.Keyfunc)
	require.Error(t, err)
}

func TestJWKS(t *testing.T) {
	ks := newTestKeyStore(t)

	set := ks.JWKS()
	require.Len(t, set.Keys, 1)

	require.NoError(t, ks.Rotate())
	require.NoError(t, ks.Rotate())

	set = ks.JWKS()
	require.Len(t, set.Keys, 3)

	kid, _ := ks.Current()
	assert.Equal(t, kid, set.Keys[0].Kid)
	for _, k := range set.Keys {
		assert.Equal(t, "RSA", k.Kty)
		assert.Equal(t, "sig", k.Use)
		assert.Equal(t, "RS256", k.Alg)
		assert.NotEmpty(t, k.N)
		assert.NotEmpty(t, k.E)
	}

	data, err := ks.JWKSJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"keys"`)
}

func TestRetention_PrunesOldKeys(t *testing.T) {
	ks, err := New(Config{
		KeySize:          1024,
		RotationInterval: -1,
		Retention:        time.Nanosecond,
	})
	require.NoError(t, err)
	t.Cleanup(ks.Stop)

	require.NoError(t, ks.Rotate())
	time.Sleep(time.Millisecond)
	require.NoError(t, ks.Rotate())

	// Only the current key and the just-replaced key can survive a
	// nanosecond retention.
	set := ks.JWKS()
	assert.LessOrEqual(t, len(set.Keys), 2)
}

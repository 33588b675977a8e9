package wireguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostvpn/internal/validate"
)

func TestGenerateKeyMaterial(t *testing.T) {
	km, err := GenerateKeyMaterial()
	require.NoError(t, err)

	assert.NoError(t, validate.Key(km.PrivateKey))
	assert.NoError(t, validate.Key(km.PublicKey))
	assert.NoError(t, validate.Key(km.PresharedKey))
	assert.NotEqual(t, km.PrivateKey, km.PresharedKey)

	pub, err := PublicKeyOf(km.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, km.PublicKey, pub)
}

func TestPublicKeyOfRejectsGarbage(t *testing.T) {
	_, err := PublicKeyOf("not-a-key")
	assert.Error(t, err)
}

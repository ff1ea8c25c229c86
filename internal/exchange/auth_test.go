package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/internal/config"
)

func testWallet(t *testing.T) config.WalletConfig {
	t.Helper()
	return config.WalletConfig{PrivateKey: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"}
}

func TestNewAuthDerivesAddressFromKey(t *testing.T) {
	t.Parallel()
	auth, err := NewAuth(testWallet(t))
	require.NoError(t, err)
	require.NotEmpty(t, auth.Address().Hex())
}

func TestNewAuthRejectsMalformedKey(t *testing.T) {
	t.Parallel()
	_, err := NewAuth(config.WalletConfig{PrivateKey: "not-hex"})
	require.Error(t, err)
}

func TestSignActionProducesConsistentSignatureForSameInput(t *testing.T) {
	t.Parallel()
	auth, err := NewAuth(testWallet(t))
	require.NoError(t, err)

	hash, err := HashAction(map[string]any{"type": "order"}, 1, nil)
	require.NoError(t, err)

	r1, s1, v1, err := auth.SignAction(hash, 1)
	require.NoError(t, err)
	r2, s2, v2, err := auth.SignAction(hash, 1)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
	require.Equal(t, s1, s2)
	require.Equal(t, v1, v2)
}

func TestHashActionDiffersByNonce(t *testing.T) {
	t.Parallel()
	action := map[string]any{"type": "cancel"}

	h1, err := HashAction(action, 1, nil)
	require.NoError(t, err)
	h2, err := HashAction(action, 2, nil)
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}

func TestHashActionDiffersWithVaultAddress(t *testing.T) {
	t.Parallel()
	action := map[string]any{"type": "order"}
	withoutVault, err := HashAction(action, 1, nil)
	require.NoError(t, err)

	auth, err := NewAuth(testWallet(t))
	require.NoError(t, err)
	addr := auth.Address()
	withVault, err := HashAction(action, 1, &addr)
	require.NoError(t, err)

	require.NotEqual(t, withoutVault, withVault)
}

package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
)

// Well-known throwaway key pair.
const (
	testWalletKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testWalletAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestNewEVMClientAcceptsMatchingHotWalletAddress(t *testing.T) {
	client, err := NewEVMClient("http://localhost:8545", 1, 100,
		testWalletKey, testWalletAddr, "", assets.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
}

func TestNewEVMClientAcceptsLowercasedHotWalletAddress(t *testing.T) {
	client, err := NewEVMClient("http://localhost:8545", 1, 100,
		testWalletKey, strings.ToLower(testWalletAddr), "", assets.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
}

func TestNewEVMClientRejectsMismatchedHotWalletAddress(t *testing.T) {
	_, err := NewEVMClient("http://localhost:8545", 1, 100,
		testWalletKey, "0x71C7656EC7ab88b098defB751B7401B5f6d8976F", "", assets.NewRegistry(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "derives address")
}

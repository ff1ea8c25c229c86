package exchange

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zigquant/zigquant/internal/config"
)

// signingChainID is the fixed chain ID Hyperliquid's "Exchange" EIP-712
// domain signs against, independent of which chain the wallet otherwise
// transacts on.
const signingChainID = 1337

// Auth signs Hyperliquid "exchange" actions with the trading wallet's
// private key. Hyperliquid accepts either the account's own key or a
// delegated agent-wallet key (AgentOnly); the signature scheme is
// identical for both, only the recovered signer's on-chain role differs.
type Auth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	vaultAddr  *common.Address
}

// NewAuth builds an Auth from the configured wallet private key.
func NewAuth(cfg config.WalletConfig) (*Auth, error) {
	keyHex := cfg.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("exchange: parse private key: %w", err)
	}
	return &Auth{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the signer's address.
func (a *Auth) Address() common.Address { return a.address }

// SignAction produces the (r, s, v) EIP-712 signature Hyperliquid expects
// alongside a POST /exchange action payload. actionHash is the
// msgpack-encoded action's keccak256 hash (computed by the caller via
// HashAction); nonce is the same millisecond timestamp included in the
// action envelope.
func (a *Auth) SignAction(actionHash []byte, nonce int64) (r, s string, v byte, err error) {
	domain := apitypes.TypedDataDomain{
		Name:    "Exchange",
		Version: "1",
		ChainId: (*ethmath.HexOrDecimal256)(big.NewInt(signingChainID)),
	}
	typesDef := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Agent": {
			{Name: "source", Type: "string"},
			{Name: "connectionId", Type: "bytes32"},
		},
	}
	domain.VerifyingContract = "0x0000000000000000000000000000000000000000"

	message := apitypes.TypedDataMessage{
		"source":       "a",
		"connectionId": actionHash,
	}

	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: "Agent",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", "", 0, fmt.Errorf("exchange: typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", "", 0, fmt.Errorf("exchange: sign action: %w", err)
	}

	v = sig[64]
	if v < 27 {
		v += 27
	}
	return "0x" + common.Bytes2Hex(sig[:32]), "0x" + common.Bytes2Hex(sig[32:64]), v, nil
}

// HashAction computes the connectionId Hyperliquid expects: the
// keccak256 hash of the msgpack-encoded action, the nonce (big-endian
// uint64), and a vault-address flag byte: 0x00 alone when absent, or
// 0x01 followed by the 20-byte address when present.
func HashAction(action any, nonce int64, vaultAddr *common.Address) ([]byte, error) {
	actionBytes, err := msgpack.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("exchange: msgpack action: %w", err)
	}

	buf := make([]byte, 0, len(actionBytes)+9+20)
	buf = append(buf, actionBytes...)
	buf = append(buf, encodeUint64BE(uint64(nonce))...)
	if vaultAddr == nil {
		buf = append(buf, 0x00)
	} else {
		buf = append(buf, 0x01)
		buf = append(buf, vaultAddr.Bytes()...)
	}

	return crypto.Keccak256(buf), nil
}

func encodeUint64BE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

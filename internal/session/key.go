package session

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParsePrivateKey decodes a hex secp256k1 key (with or without 0x) and
// checks it lies in (0, N).
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("private key must be 64 hex chars, got %d", len(hexKey))
	}

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex encoding: %w", err)
	}

	keyInt := new(big.Int).SetBytes(keyBytes)
	if keyInt.Sign() == 0 {
		return nil, fmt.Errorf("private key cannot be zero")
	}
	if keyInt.Cmp(btcec.S256().Params().N) >= 0 {
		return nil, fmt.Errorf("private key exceeds curve order")
	}

	return crypto.ToECDSA(keyBytes)
}

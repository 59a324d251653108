package exchange

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"galaswap-bot/internal/config"
)

// Signer signs swap payloads for bundle submission.
//
// The signature is a secp256k1 signature over keccak256 of the payload's
// canonical JSON (object keys sorted, no insignificant whitespace), hex
// encoded with a 0x prefix.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	user       string // GalaChain user id, "eth|<hex>"
}

// NewSigner parses the wallet key. A configured address must belong to the key.
func NewSigner(cfg config.WalletConfig) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
	if keyHex == "" {
		return nil, errors.New("parse private key: empty")
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	user := UserID(address.Hex())

	if cfg.Address != "" {
		configured := UserID(cfg.Address)
		if !strings.EqualFold(configured, user) {
			return nil, errors.New("wallet address does not match private key")
		}
	}

	return &Signer{
		privateKey: privateKey,
		address:    address,
		user:       user,
	}, nil
}

// Address returns the EOA address derived from the key.
func (s *Signer) Address() common.Address { return s.address }

// User returns the GalaChain user id ("eth|" + checksummed hex without 0x).
func (s *Signer) User() string { return s.user }

// Sign returns the hex signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	hash, err := PayloadHash(payload)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// PayloadHash is keccak256 of the canonical JSON encoding of payload.
func PayloadHash(payload []byte) (common.Hash, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(canon), nil
}

// canonicalJSON re-encodes payload with sorted object keys. Numbers keep
// their original text.
func canonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// UserID normalises "0xABC...", "abc..." or "eth|ABC..." to "eth|ABC...".
// Already-prefixed GalaChain ids ("client|...") are returned unchanged.
func UserID(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "|") {
		return addr
	}
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if common.IsHexAddress(addr) {
		addr = strings.TrimPrefix(common.HexToAddress(addr).Hex(), "0x")
	}
	return "eth|" + addr
}

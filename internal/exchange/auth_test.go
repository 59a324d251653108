package exchange

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"galaswap-bot/internal/config"
)

// Well-known test key (hardhat account #0). Never holds funds.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewSignerDerivesUser(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(config.WalletConfig{PrivateKey: testKey})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	wantAddr := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if s.Address().Hex() != wantAddr {
		t.Errorf("Address = %s, want %s", s.Address().Hex(), wantAddr)
	}
	if s.User() != "eth|"+strings.TrimPrefix(wantAddr, "0x") {
		t.Errorf("User = %s", s.User())
	}
}

func TestNewSignerAddressCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.WalletConfig
		wantErr bool
	}{
		{"matching 0x address", config.WalletConfig{PrivateKey: testKey, Address: "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"}, false},
		{"matching eth| address", config.WalletConfig{PrivateKey: testKey, Address: "eth|f39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}, false},
		{"other address", config.WalletConfig{PrivateKey: testKey, Address: "0x0000000000000000000000000000000000000001"}, true},
		{"empty key", config.WalletConfig{}, true},
		{"bad key", config.WalletConfig{PrivateKey: "xyz"}, true},
	}
	for _, tt := range tests {
		_, err := NewSigner(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestSignRecoversAddress(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(config.WalletConfig{PrivateKey: testKey})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	payload := []byte(`{"tokenOut":"GUSDC|Unit|none|none","amountIn":"100.5","tokenIn":"GALA|Unit|none|none"}`)
	sigHex, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != 65 {
		t.Fatalf("signature %q: len %d, err %v", sigHex, len(sig), err)
	}

	hash, _ := PayloadHash(payload)
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != s.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), s.Address().Hex())
	}
}

func TestPayloadHashIgnoresKeyOrderAndWhitespace(t *testing.T) {
	t.Parallel()

	a, err := PayloadHash([]byte(`{"b":1,"a":{"y":"2","x":10000000000000000000001}}`))
	if err != nil {
		t.Fatalf("PayloadHash: %v", err)
	}
	b, err := PayloadHash([]byte("{ \"a\": {\"x\": 10000000000000000000001, \"y\": \"2\"},\n \"b\": 1 }"))
	if err != nil {
		t.Fatalf("PayloadHash: %v", err)
	}
	if a != b {
		t.Error("equivalent payloads hashed differently")
	}
	if _, err := PayloadHash([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestUserID(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", "eth|f39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
		{"f39fd6e51aad88f6f4ce6ab8827279cfffb92266", "eth|f39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
		{"eth|abc", "eth|abc"},
		{"client|5c806869e7fd0e2384461ce9", "client|5c806869e7fd0e2384461ce9"},
	}
	for _, tt := range tests {
		if got := UserID(tt.in); got != tt.want {
			t.Errorf("UserID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// Request headers carrying a caller's proof of identity.
const (
	HeaderAddress   = "X-Escrow-Address"
	HeaderSignature = "X-Escrow-Signature"
	HeaderTimestamp = "X-Escrow-Timestamp"
)

var (
	ErrBadSignature = errors.New("crypto: signature does not match address")
	ErrClockSkew    = errors.New("crypto: request timestamp outside allowed window")
)

// RequestMessage is the text a caller signs for one API request:
// timestamp + method + path + body.
func RequestMessage(timestamp, method, path, body string) string {
	return timestamp + method + path + body
}

// Signer signs API requests with a secp256k1 key using the Ethereum
// personal_sign scheme.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateKey returns a fresh hex-encoded private key.
func GenerateKey() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}

// Address returns the checksummed address of the key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Identity returns the address as a domain identity.
func (s *Signer) Identity() domain.Identity {
	return domain.Identity(s.address.Hex())
}

// Sign signs msg and returns a 0x-prefixed 65-byte signature with v in
// {27, 28}.
func (s *Signer) Sign(msg string) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RequestHeaders signs a request made at ts and returns its auth headers.
func (s *Signer) RequestHeaders(method, path, body string, ts time.Time) (map[string]string, error) {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := s.Sign(RequestMessage(stamp, method, path, body))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.Address(),
		HeaderSignature: sig,
		HeaderTimestamp: stamp,
	}, nil
}

// RecoverAddress returns the address that produced sigHex over msg.
func RecoverAddress(msg, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: signature is %d bytes, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks a signed request and returns the caller identity.
// The timestamp must be within maxSkew of now.
func VerifyRequest(address, sigHex, timestamp, method, path, body string, now time.Time, maxSkew time.Duration) (domain.Identity, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("crypto: invalid address %q: %w", address, ErrBadSignature)
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("crypto: invalid timestamp %q: %w", timestamp, ErrClockSkew)
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return "", ErrClockSkew
	}

	got, err := RecoverAddress(RequestMessage(timestamp, method, path, body), sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	want := common.HexToAddress(address)
	if got != want {
		return "", ErrBadSignature
	}
	return domain.Identity(want.Hex()), nil
}

// CanonicalIdentity renders an address in checksummed form so identities
// compare equal regardless of the casing a client sent.
func CanonicalIdentity(address string) (domain.Identity, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q is not an address", domain.ErrInvalidParty, address)
	}
	return domain.Identity(common.HexToAddress(address).Hex()), nil
}

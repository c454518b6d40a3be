// Package session issues and verifies credits-session tokens.
//
// A token is a JWT with alg "ETH": base64url(header).base64url(claims) signed
// as an Ethereum personal message, with the 65-byte r||s||v signature
// base64url-encoded as the third segment. The verifier recovers the signer
// address from the signature and accepts only tokens from the configured
// issuer.
package session

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	tokenAlg = "ETH"
	tokenTyp = "JWT"
)

var (
	ErrMalformed    = errors.New("malformed session token")
	ErrBadSignature = errors.New("invalid session token signature")
	ErrWrongIssuer  = errors.New("session token not signed by the configured issuer")
	ErrExpired      = errors.New("session token expired")
)

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the token payload.
type Claims struct {
	Subject  string `json:"sub"`
	Issuer   string `json:"iss"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	ID       string `json:"jti"`
}

// Issuer signs session tokens.
type Issuer struct {
	key     *btcec.PrivateKey
	address common.Address
	ttl     time.Duration
}

// NewIssuer creates an issuer for key. Tokens live for ttl.
func NewIssuer(key *ecdsa.PrivateKey, ttl time.Duration) (*Issuer, error) {
	if key == nil {
		return nil, fmt.Errorf("issuer key cannot be nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	priv, _ := btcec.PrivKeyFromBytes(crypto.FromECDSA(key))
	return &Issuer{
		key:     priv,
		address: crypto.PubkeyToAddress(key.PublicKey),
		ttl:     ttl,
	}, nil
}

// Address returns the issuer's Ethereum address.
func (i *Issuer) Address() common.Address {
	return i.address
}

// Issue returns a signed token for subject.
func (i *Issuer) Issue(subject string) (string, error) {
	now := time.Now().Unix()
	headerJSON, err := json.Marshal(header{Alg: tokenAlg, Typ: tokenTyp})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(Claims{
		Subject:  subject,
		Issuer:   i.address.Hex(),
		IssuedAt: now,
		Expiry:   now + int64(i.ttl/time.Second),
		ID:       uuid.NewString(),
	})
	if err != nil {
		return "", err
	}

	message := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)

	sig, err := i.sign(message)
	if err != nil {
		return "", err
	}
	return message + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// sign returns r||s||v with v = 27 + recovery id.
func (i *Issuer) sign(message string) ([]byte, error) {
	compact, err := btcecdsa.SignCompact(i.key, messageHash(message), false)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	// compact is v||r||s
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// Verifier accepts tokens signed by one issuer address.
type Verifier struct {
	issuer common.Address
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for issuer.
func NewVerifier(issuer common.Address) *Verifier {
	return &Verifier{
		issuer: issuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// Verify checks structure, signature, issuer and expiry, and returns the
// token claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	var h header
	if err := decodeSegment(parts[0], &h); err != nil {
		return nil, err
	}
	if h.Alg != tokenAlg {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformed, h.Alg)
	}

	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != 65 {
		return nil, ErrBadSignature
	}
	sig = append([]byte{}, sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(messageHash(parts[0]+"."+parts[1]), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != v.issuer {
		return nil, ErrWrongIssuer
	}
	if !common.IsHexAddress(claims.Issuer) || common.HexToAddress(claims.Issuer) != signer {
		return nil, ErrWrongIssuer
	}

	if v.now().Add(-v.leeway).Unix() >= claims.Expiry {
		return nil, ErrExpired
	}
	return &claims, nil
}

func decodeSegment(seg string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return ErrMalformed
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrMalformed
	}
	return nil
}

// messageHash is keccak256("\x19Ethereum Signed Message:\n" + len + message).
func messageHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}

package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	iss, err := NewIssuer(key, ttl)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss
}

func TestIssueAndVerify(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	token, err := iss.Issue("account-42")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if n := strings.Count(token, "."); n != 2 {
		t.Fatalf("token has %d dots, want 2", n)
	}

	claims, err := NewVerifier(iss.Address()).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "account-42" {
		t.Errorf("Subject = %q, want account-42", claims.Subject)
	}
	if claims.Issuer != iss.Address().Hex() {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, iss.Address().Hex())
	}
	if claims.Expiry-claims.IssuedAt != 3600 {
		t.Errorf("exp - iat = %d, want 3600", claims.Expiry-claims.IssuedAt)
	}
	if claims.ID == "" {
		t.Error("jti is empty")
	}
}

func TestSignatureFormat(t *testing.T) {
	iss := newTestIssuer(t, time.Minute)
	for i := 0; i < 20; i++ {
		sig, err := iss.sign("message")
		if err != nil {
			t.Fatalf("sign() error = %v", err)
		}
		if len(sig) != 65 {
			t.Fatalf("signature length = %d, want 65", len(sig))
		}
		if sig[64] != 27 && sig[64] != 28 {
			t.Errorf("v = %d, want 27 or 28", sig[64])
		}

		recoverable := append([]byte{}, sig...)
		recoverable[64] -= 27
		pub, err := crypto.SigToPub(messageHash("message"), recoverable)
		if err != nil {
			t.Fatalf("SigToPub() error = %v", err)
		}
		if crypto.PubkeyToAddress(*pub) != iss.Address() {
			t.Error("recovered address does not match issuer")
		}
	}
}

func TestVerify_WrongIssuer(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	other := newTestIssuer(t, time.Hour)

	token, _ := other.Issue("acct")
	if _, err := NewVerifier(iss.Address()).Verify(token); !errors.Is(err, ErrWrongIssuer) {
		t.Errorf("Verify() error = %v, want ErrWrongIssuer", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	iss := newTestIssuer(t, time.Minute)
	token, _ := iss.Issue("acct")

	v := NewVerifier(iss.Address())
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := v.Verify(token); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() error = %v, want ErrExpired", err)
	}
}

func TestVerify_Tampered(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	token, _ := iss.Issue("acct")
	parts := strings.Split(token, ".")

	forged, _ := json.Marshal(Claims{
		Subject:  "admin",
		Issuer:   iss.Address().Hex(),
		IssuedAt: time.Now().Unix(),
		Expiry:   time.Now().Add(time.Hour).Unix(),
	})
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]

	_, err := NewVerifier(iss.Address()).Verify(tampered)
	if !errors.Is(err, ErrWrongIssuer) && !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(tampered) error = %v, want signature rejection", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	v := NewVerifier(iss.Address())

	noneHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"x"}`))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMalformed},
		{"opaque api key", "sk_live_abcdef", ErrMalformed},
		{"two segments", "a.b", ErrMalformed},
		{"bad base64 header", "!!!.e30.sig", ErrMalformed},
		{"alg none", noneHeader + "." + body + ".", ErrMalformed},
		{"short signature", base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ETH"}`)) + "." + body + ".AAAA", ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Verify(%q) error = %v, want %v", tt.token, err, tt.want)
			}
		})
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	if _, err := NewIssuer(nil, time.Hour); err == nil {
		t.Error("expected error for nil key")
	}
	key, _ := crypto.GenerateKey()
	if _, err := NewIssuer(key, 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

package paywall

import (
	"net/http"
	"strings"
)

// ClaimSource records where a payment claim was found.
type ClaimSource int

const (
	ExplicitHeader ClaimSource = iota
	BearerChallengeHeader
)

func (s ClaimSource) String() string {
	switch s {
	case ExplicitHeader:
		return "header"
	case BearerChallengeHeader:
		return "authorization"
	}
	return "unknown"
}

// Claim is an unverified reference to an on-chain payment.
type Claim struct {
	ID     string
	Source ClaimSource
}

// ExtractClaim reads a payment claim from the explicit claim header or from
// "Authorization: <scheme> <id>". The explicit header wins when both are set.
func ExtractClaim(r *http.Request, header, scheme string) (Claim, bool) {
	if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
		return Claim{ID: id, Source: ExplicitHeader}, true
	}
	if id, ok := authParam(r, scheme); ok {
		return Claim{ID: id, Source: BearerChallengeHeader}, true
	}
	return Claim{}, false
}

// bearerToken returns the credential of "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	return authParam(r, "Bearer")
}

func authParam(r *http.Request, scheme string) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", false
	}
	s, param, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(s, scheme) {
		return "", false
	}
	param = strings.TrimSpace(param)
	return param, param != ""
}

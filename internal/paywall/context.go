package paywall

import (
	"context"
	"math/big"

	"paygate/internal/ledger"
	"paygate/internal/session"

	"github.com/shopspring/decimal"
)

type contextKey string

const (
	paymentContextKey contextKey = "paywall_payment"
	sessionContextKey contextKey = "paywall_session"
)

// VerifiedPayment is attached to the request context of an accepted request.
type VerifiedPayment struct {
	ID       string
	Payer    string
	Amount   *big.Int // smallest units of Kind
	Kind     ledger.CurrencyKind
	Token    string // token contract for FungibleToken payments
	USDPrice decimal.Decimal
}

// PaymentFromContext returns the verified payment of the current request.
func PaymentFromContext(ctx context.Context) (*VerifiedPayment, bool) {
	p, ok := ctx.Value(paymentContextKey).(*VerifiedPayment)
	return p, ok && p != nil
}

// SessionFromContext returns the credits-session claims of a request that
// was admitted without payment.
func SessionFromContext(ctx context.Context) (*session.Claims, bool) {
	c, ok := ctx.Value(sessionContextKey).(*session.Claims)
	return c, ok && c != nil
}

func withPayment(ctx context.Context, p *VerifiedPayment) context.Context {
	return context.WithValue(ctx, paymentContextKey, p)
}

func withSession(ctx context.Context, c *session.Claims) context.Context {
	return context.WithValue(ctx, sessionContextKey, c)
}

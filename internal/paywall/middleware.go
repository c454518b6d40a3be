// Package paywall gates HTTP handlers behind an on-chain payment.
//
// A request without a payment claim receives a 402 challenge naming the
// price and receiving address. A request with a claim is verified against
// the ledger, its identifier is consumed exactly once, and the request is
// forwarded with a VerifiedPayment in its context.
package paywall

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"paygate/internal/ledger"
	"paygate/internal/pricing"
	"paygate/internal/replay"
	"paygate/internal/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrConfiguration marks a gateway misconfiguration.
var ErrConfiguration = errors.New("payment configuration error")

var (
	challengesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paywall_challenges_total",
			Help: "402 challenges issued",
		},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_verifications_total",
			Help: "Payment claim outcomes",
		},
		[]string{"result"},
	)

	replaysRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paywall_replays_rejected_total",
			Help: "Claims rejected because the identifier was already consumed",
		},
	)

	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_sessions_total",
			Help: "Credits-session bearer tokens by outcome",
		},
		[]string{"result"},
	)
)

// Quoter returns the USD spot rate of a currency symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PaymentVerifier checks a claimed transaction against a requirement.
type PaymentVerifier interface {
	Verify(ctx context.Context, txHash string, req ledger.Requirement) (*ledger.Payment, error)
}

// SessionVerifier validates credits-session bearer tokens.
type SessionVerifier interface {
	Verify(token string) (*session.Claims, error)
}

// TokenConfig is the accepted USD-pegged token.
type TokenConfig struct {
	Address  common.Address
	Symbol   string
	Decimals int32
}

// Config configures a Paywall.
type Config struct {
	PayTo          string
	Scheme         string // Authorization scheme of payment claims, e.g. "X402"
	ClaimHeader    string // explicit claim header, e.g. "X-Payment-Tx"
	NativeSymbol   string
	NativeDecimals int32
	Token          *TokenConfig

	// ServiceSecret is the shared service credential. A bearer token equal to
	// it is not a session and goes through the payment flow.
	ServiceSecret string
	// Sessions, when set, admits requests carrying a valid credits-session
	// bearer token without payment. When nil bearer tokens are ignored.
	Sessions SessionVerifier
}

// Paywall is the payment-gating middleware.
type Paywall struct {
	cfg      Config
	payTo    common.Address
	catalog  *pricing.Catalog
	oracle   Quoter
	verifier PaymentVerifier
	guard    replay.Guard
	logger   *zap.Logger
}

// New validates cfg and wires the paywall's collaborators.
func New(cfg Config, catalog *pricing.Catalog, oracle Quoter, verifier PaymentVerifier, guard replay.Guard, logger *zap.Logger) (*Paywall, error) {
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("%w: receiving address %q is not a valid address", ErrConfiguration, cfg.PayTo)
	}
	payTo := common.HexToAddress(cfg.PayTo)
	if payTo == (common.Address{}) {
		return nil, fmt.Errorf("%w: receiving address is not configured", ErrConfiguration)
	}
	if catalog == nil || oracle == nil || verifier == nil || guard == nil {
		return nil, fmt.Errorf("%w: catalog, oracle, verifier and replay guard are required", ErrConfiguration)
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "X402"
	}
	if cfg.ClaimHeader == "" {
		cfg.ClaimHeader = "X-Payment-Tx"
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "AVAX"
	}
	switch {
	case cfg.NativeDecimals < 0:
		return nil, fmt.Errorf("%w: native decimals %d is negative", ErrConfiguration, cfg.NativeDecimals)
	case cfg.NativeDecimals == 0: // unset
		cfg.NativeDecimals = 18
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Paywall{
		cfg:      cfg,
		payTo:    payTo,
		catalog:  catalog,
		oracle:   oracle,
		verifier: verifier,
		guard:    guard,
		logger:   logger,
	}, nil
}

// rejection is a client-correctable failure answered with 402.
type rejection struct {
	Error    string `json:"error"`
	Received string `json:"received,omitempty"`
	Required string `json:"required,omitempty"`
}

// Middleware gates next behind payment.
func (p *Paywall) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		route := pricing.NormalizePath(r.URL.Path)
		log := p.logger.With(
			zap.String("route", route),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
		)

		if token, ok := bearerToken(r); ok && !p.isServiceSecret(token) && p.cfg.Sessions != nil {
			claims, err := p.cfg.Sessions.Verify(token)
			if err != nil {
				sessionsTotal.WithLabelValues("rejected").Inc()
				log.Warn("Rejected session token", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid session token"})
				return
			}
			sessionsTotal.WithLabelValues("accepted").Inc()
			log.Debug("Session admitted without payment", zap.String("subject", claims.Subject))
			next.ServeHTTP(w, r.WithContext(withSession(ctx, claims)))
			return
		}

		usd, _ := p.catalog.Lookup(route)
		rate, err := p.oracle.Quote(ctx, p.cfg.NativeSymbol)
		if err != nil {
			log.Error("Failed to quote spot rate", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Payment Configuration Error"})
			return
		}
		quote, err := pricing.NewQuote(usd, rate)
		if err != nil {
			log.Error("Failed to compute quote", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Payment Configuration Error"})
			return
		}

		claim, ok := ExtractClaim(r, p.cfg.ClaimHeader, p.cfg.Scheme)
		if !ok {
			p.challenge(w, quote, log)
			return
		}

		id, err := replay.NormalizeID(claim.ID)
		if err != nil {
			verificationsTotal.WithLabelValues("invalid_claim").Inc()
			log.Warn("Malformed payment claim", zap.String("source", claim.Source.String()))
			writeJSON(w, http.StatusPaymentRequired, rejection{Error: "Invalid payment identifier"})
			return
		}
		log = log.With(zap.String("tx_hash", id))

		consumed, err := p.guard.Consumed(ctx, id)
		if err != nil {
			p.internalError(w, log, "replay lookup failed", err)
			return
		}
		if consumed {
			p.rejectReplay(ctx, w, log, id)
			return
		}

		payment, err := p.verifier.Verify(ctx, id, ledger.Requirement{
			Recipient:   p.payTo,
			NativeUnits: quote.NativeUnits(p.cfg.NativeDecimals),
			TokenUnits:  p.tokenUnits(quote),
		})
		if err != nil {
			var ve *ledger.VerificationError
			if errors.As(err, &ve) {
				p.reject(w, log, ve)
				return
			}
			p.internalError(w, log, "verification failed", err)
			return
		}

		// A client that went away must not burn its payment.
		if ctx.Err() != nil {
			log.Info("Client disconnected before payment was consumed")
			return
		}

		already, err := p.guard.CheckAndConsume(ctx, replay.Record{
			ID:    id,
			Route: route,
			Payer: payment.Payer.Hex(),
		})
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Client disconnected before payment was consumed")
				return
			}
			p.internalError(w, log, "replay consume failed", err)
			return
		}
		if already {
			p.rejectReplay(ctx, w, log, id)
			return
		}

		verificationsTotal.WithLabelValues("accepted").Inc()
		log.Info("Payment accepted",
			zap.String("payer", payment.Payer.Hex()),
			zap.String("kind", string(payment.Kind)),
			zap.String("received", payment.Amount.String()))

		vp := &VerifiedPayment{
			ID:       id,
			Payer:    payment.Payer.Hex(),
			Amount:   payment.Amount,
			Kind:     payment.Kind,
			USDPrice: quote.USD,
		}
		if payment.Kind == ledger.FungibleToken {
			vp.Token = payment.Token.Hex()
		}
		next.ServeHTTP(w, r.WithContext(withPayment(ctx, vp)))
	})
}

func (p *Paywall) isServiceSecret(token string) bool {
	if p.cfg.ServiceSecret == "" || len(token) != len(p.cfg.ServiceSecret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.cfg.ServiceSecret)) == 1
}

func (p *Paywall) tokenUnits(q pricing.Quote) *big.Int {
	if p.cfg.Token == nil {
		return nil
	}
	return q.TokenUnits(p.cfg.Token.Decimals)
}

func (p *Paywall) challenge(w http.ResponseWriter, q pricing.Quote, log *zap.Logger) {
	challengesTotal.Inc()
	header, body := p.buildChallenge(q)
	log.Debug("Issuing payment challenge",
		zap.String("required", body.Price),
		zap.String("usd", body.PriceUSD))
	w.Header().Set("WWW-Authenticate", header)
	writeJSON(w, http.StatusPaymentRequired, body)
}

func (p *Paywall) rejectReplay(ctx context.Context, w http.ResponseWriter, log *zap.Logger, id string) {
	replaysRejected.Inc()
	verificationsTotal.WithLabelValues("replay_detected").Inc()

	fields := []zap.Field{zap.String("reason", "replay_detected")}
	if rec, found, err := p.guard.Lookup(ctx, id); err == nil && found {
		fields = append(fields,
			zap.String("first_route", rec.Route),
			zap.String("first_payer", rec.Payer),
			zap.Time("consumed_at", rec.ConsumedAt))
	}
	log.Warn("Payment rejected", fields...)
	writeJSON(w, http.StatusPaymentRequired, rejection{Error: "Payment already used"})
}

func (p *Paywall) reject(w http.ResponseWriter, log *zap.Logger, ve *ledger.VerificationError) {
	verificationsTotal.WithLabelValues(string(ve.Kind)).Inc()

	body := rejection{}
	switch ve.Kind {
	case ledger.TxNotFound:
		body.Error = "Transaction not found"
	case ledger.TxPending:
		body.Error = "Transaction not yet confirmed, try again"
	case ledger.TxFailed:
		body.Error = "Transaction failed"
	case ledger.RecipientMismatch:
		body.Error = "Payment sent to wrong address"
		body.Received, body.Required = ve.Actual, ve.Expected
	case ledger.UnsupportedToken:
		body.Error = "Unsupported payment token"
		body.Received, body.Required = ve.Actual, ve.Expected
	case ledger.InsufficientAmount:
		body.Error = "Insufficient payment amount"
		body.Received = p.formatUnits(ve.Actual, ve.Currency)
		body.Required = p.formatUnits(ve.Expected, ve.Currency)
	case ledger.DecodeError:
		body.Error = "Unable to decode payment transaction"
	case ledger.LedgerUnavailable:
		body.Error = "Unable to verify payment right now, try again"
	default:
		body.Error = "Payment verification failed"
	}

	fields := []zap.Field{
		zap.String("reason", string(ve.Kind)),
		zap.String("received", ve.Actual),
		zap.String("required", ve.Expected),
	}
	if ve.Err != nil {
		fields = append(fields, zap.Error(ve.Err))
	}
	log.Warn("Payment rejected", fields...)
	writeJSON(w, http.StatusPaymentRequired, body)
}

func (p *Paywall) internalError(w http.ResponseWriter, log *zap.Logger, msg string, err error) {
	verificationsTotal.WithLabelValues("error").Inc()
	log.Error(msg, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Payment Validation Error"})
}

// formatUnits renders smallest units as "<amount> <SYMBOL>".
func (p *Paywall) formatUnits(units string, kind ledger.CurrencyKind) string {
	n, ok := new(big.Int).SetString(units, 10)
	if !ok {
		return units
	}
	decimals, symbol := p.cfg.NativeDecimals, p.cfg.NativeSymbol
	if kind == ledger.FungibleToken && p.cfg.Token != nil {
		decimals, symbol = p.cfg.Token.Decimals, p.cfg.Token.Symbol
	}
	return pricing.FromSmallestUnit(n, decimals).String() + " " + symbol
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

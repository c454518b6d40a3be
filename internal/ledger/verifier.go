// Package ledger verifies payment claims against an EVM chain.
//
// A claim names a transaction hash. The verifier fetches the transaction and
// its receipt, classifies it as a native transfer or an ERC-20 transfer call,
// and checks the recipient and amount against the caller's requirement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// CurrencyKind distinguishes native transfers from token transfers.
type CurrencyKind string

const (
	Native        CurrencyKind = "native"
	FungibleToken CurrencyKind = "token"
)

// Client is the subset of ethclient.Client the verifier needs.
type Client interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Requirement is what a payment must satisfy. NativeUnits applies to native
// transfers and TokenUnits to token transfers; both are smallest units.
type Requirement struct {
	Recipient   common.Address
	NativeUnits *big.Int
	TokenUnits  *big.Int
}

// Payment is a verified transfer.
type Payment struct {
	TxHash    string
	Payer     common.Address
	Recipient common.Address
	Amount    *big.Int
	Kind      CurrencyKind
	Token     common.Address // zero for native transfers
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// TokenAddress is the accepted ERC-20 contract. When nil, token
	// transfers are rejected.
	TokenAddress *common.Address
	// Timeout bounds the ledger lookups of one verification.
	Timeout time.Duration
}

// Verifier checks payment claims against a ledger node.
type Verifier struct {
	client  Client
	token   *common.Address
	timeout time.Duration
	logger  *zap.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(client Client, cfg VerifierConfig, logger *zap.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		client:  client,
		token:   cfg.TokenAddress,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Verify checks the transaction named by txHash against req. Every rejection
// is a *VerificationError. Lookups are not retried.
func (v *Verifier) Verify(ctx context.Context, txHash string, req Requirement) (*Payment, error) {
	if !isHash(txHash) {
		return nil, &VerificationError{Kind: TxNotFound, TxHash: txHash, Err: errors.New("malformed transaction hash")}
	}
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &VerificationError{Kind: TxNotFound, TxHash: txHash}
		}
		return nil, &VerificationError{Kind: LedgerUnavailable, TxHash: txHash, Err: err}
	}
	if pending {
		return nil, &VerificationError{Kind: TxPending, TxHash: txHash}
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &VerificationError{Kind: TxPending, TxHash: txHash}
		}
		return nil, &VerificationError{Kind: LedgerUnavailable, TxHash: txHash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &VerificationError{Kind: TxFailed, TxHash: txHash}
	}

	payer, err := sender(tx)
	if err != nil {
		return nil, &VerificationError{Kind: DecodeError, TxHash: txHash, Err: fmt.Errorf("recover sender: %w", err)}
	}

	payment, err := v.classify(txHash, tx)
	if err != nil {
		return nil, err
	}
	payment.Payer = payer

	if payment.Recipient != req.Recipient {
		return nil, &VerificationError{
			Kind:     RecipientMismatch,
			TxHash:   txHash,
			Currency: payment.Kind,
			Expected: req.Recipient.Hex(),
			Actual:   payment.Recipient.Hex(),
		}
	}

	required := req.NativeUnits
	if payment.Kind == FungibleToken {
		required = req.TokenUnits
	}
	if required == nil {
		return nil, fmt.Errorf("no %s requirement for tx %s", payment.Kind, txHash)
	}
	if payment.Amount.Cmp(required) < 0 {
		return nil, &VerificationError{
			Kind:     InsufficientAmount,
			TxHash:   txHash,
			Currency: payment.Kind,
			Expected: required.String(),
			Actual:   payment.Amount.String(),
		}
	}

	v.logger.Debug("Payment verified",
		zap.String("tx_hash", txHash),
		zap.String("payer", payer.Hex()),
		zap.String("kind", string(payment.Kind)),
		zap.String("amount", payment.Amount.String()))

	return payment, nil
}

// classify determines kind, recipient and amount. Positive value always
// means native; a zero-value transfer call is a token payment; anything
// else is evaluated as a native payment of zero.
func (v *Verifier) classify(txHash string, tx *types.Transaction) (*Payment, error) {
	p := &Payment{TxHash: txHash}
	to := tx.To()

	if tx.Value().Sign() > 0 || !isTransferCall(tx.Data()) {
		p.Kind = Native
		p.Amount = new(big.Int).Set(tx.Value())
		if to != nil {
			p.Recipient = *to
		}
		return p, nil
	}

	p.Kind = FungibleToken
	if to == nil || v.token == nil || *to != *v.token {
		actual := ""
		if to != nil {
			actual = to.Hex()
		}
		expected := ""
		if v.token != nil {
			expected = v.token.Hex()
		}
		return nil, &VerificationError{
			Kind:     UnsupportedToken,
			TxHash:   txHash,
			Currency: FungibleToken,
			Expected: expected,
			Actual:   actual,
		}
	}

	recipient, amount, err := decodeTransfer(tx.Data())
	if err != nil {
		v.logger.Warn("Failed to decode token transfer",
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return nil, &VerificationError{Kind: DecodeError, TxHash: txHash, Currency: FungibleToken, Err: err}
	}
	p.Recipient = recipient
	p.Amount = amount
	p.Token = *to
	return p, nil
}

func sender(tx *types.Transaction) (common.Address, error) {
	var signer types.Signer = types.HomesteadSigner{}
	if tx.Protected() {
		signer = types.LatestSignerForChainID(tx.ChainId())
	}
	return types.Sender(signer, tx)
}

var txHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func isHash(s string) bool {
	return txHashRegex.MatchString(s)
}

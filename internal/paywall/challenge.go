package paywall

import (
	"fmt"

	"paygate/internal/ledger"
	"paygate/internal/pricing"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Challenge is the 402 body sent when a request carries no payment claim.
type Challenge struct {
	Error           string      `json:"error"`
	Price           string      `json:"price"`
	PriceUSD        string      `json:"priceUsd"`
	Wallet          string      `json:"wallet"`
	Details         string      `json:"details"`
	Amount          string      `json:"amount"`
	ReceiverAddress string      `json:"receiver_address"`
	Token           *TokenOffer `json:"token,omitempty"`
}

// TokenOffer advertises the accepted token alternative to a native payment.
type TokenOffer struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Amount   string `json:"amount"`
	Units    string `json:"units"`
	Decimals int32  `json:"decimals"`
	Data     string `json:"data,omitempty"` // transfer(receiver, units) calldata
}

// buildChallenge returns the WWW-Authenticate value and body for quote.
func (p *Paywall) buildChallenge(q pricing.Quote) (string, Challenge) {
	receiver := p.payTo.Hex()
	price := fmt.Sprintf("%s %s", q.Native.String(), p.cfg.NativeSymbol)

	header := fmt.Sprintf(`%s invoice="%s", price="%s"`, p.cfg.Scheme, receiver, price)

	body := Challenge{
		Error:    "Payment Required",
		Price:    price,
		PriceUSD: q.USD.String(),
		Wallet:   receiver,
		Details: fmt.Sprintf("Send %s to %s and retry with the transaction hash in the %s header or as \"Authorization: %s <tx>\"",
			price, receiver, p.cfg.ClaimHeader, p.cfg.Scheme),
		Amount:          q.Native.String(),
		ReceiverAddress: receiver,
	}

	if t := p.cfg.Token; t != nil {
		units := q.TokenUnits(t.Decimals)
		body.Token = &TokenOffer{
			Address:  t.Address.Hex(),
			Symbol:   t.Symbol,
			Amount:   pricing.FromSmallestUnit(units, t.Decimals).String(),
			Units:    units.String(),
			Decimals: t.Decimals,
		}
		if data, err := ledger.EncodeTransfer(p.payTo, units); err == nil {
			body.Token.Data = hexutil.Encode(data)
		}
	}

	return header, body
}

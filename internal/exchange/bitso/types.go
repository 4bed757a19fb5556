package bitso

import (
	"encoding/json"
	"fmt"
	"strings"
)

type envelope struct {
	Success *bool           `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// APIError is an error reported inside a Bitso response envelope.
// Status is zero when the HTTP exchange itself succeeded.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	msg := "Error " + e.Code + ": " + e.Message
	if e.Status == 0 {
		return msg
	}
	return fmt.Sprintf("Response code %d: %s", e.Status, msg)
}

// HTTPError is a non-2xx response without a decodable error envelope.
type HTTPError struct {
	Status int
	Body   string
}

func (e HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("Response code %d (%s)", e.Status, body)
}

type tickerPayload struct {
	Book string `json:"book"`
	Ask  string `json:"ask"`
	Bid  string `json:"bid"`
	Last string `json:"last"`
}

type tradePayload struct {
	Book      string      `json:"book"`
	CreatedAt string      `json:"created_at"`
	Amount    string      `json:"amount"`
	MakerSide string      `json:"maker_side"`
	Price     string      `json:"price"`
	TID       json.Number `json:"tid"`
}

type balancePayload struct {
	Balances []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Locked    string `json:"locked"`
		Total     string `json:"total"`
	} `json:"balances"`
}

type feePayload struct {
	Fees []struct {
		Book            string `json:"book"`
		MakerFeeDecimal string `json:"maker_fee_decimal"`
		TakerFeeDecimal string `json:"taker_fee_decimal"`
	} `json:"fees"`
}

type placePayload struct {
	OID string `json:"oid"`
}

type userTradePayload struct {
	Book         string      `json:"book"`
	Major        string      `json:"major"`
	Minor        string      `json:"minor"`
	Price        string      `json:"price"`
	Side         string      `json:"side"`
	FeesCurrency string      `json:"fees_currency"`
	FeesAmount   string      `json:"fees_amount"`
	TID          json.Number `json:"tid"`
	OID          string      `json:"oid"`
	CreatedAt    string      `json:"created_at"`
}

type orderPayload struct {
	OID            string `json:"oid"`
	Book           string `json:"book"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	OriginalAmount string `json:"original_amount"`
	UnfilledAmount string `json:"unfilled_amount"`
	Price          string `json:"price"`
	CreatedAt      string `json:"created_at"`
}

type cancelPayload struct {
	Filled bool `json:"filled"`
}

package bitso

import (
	"bitso-adapter/internal/core"
	"bitso-adapter/internal/markets"
)

const brokerCompat = "0.6"

// Capabilities describes the exchange to a broker. Cancel confirmations are
// limited: a cancel may race a fill, see CancelResult.Filled.
func Capabilities(table markets.Table) core.Capabilities {
	return core.Capabilities{
		Name:                      "Bitso",
		Slug:                      Name,
		Currencies:                append([]string(nil), table.Currencies...),
		Assets:                    append([]string(nil), table.Assets...),
		Markets:                   table.CoreMarkets(),
		Requires:                  []string{"key", "secret"},
		TID:                       "tid",
		Tradable:                  true,
		BrokerCompat:              brokerCompat,
		LimitedCancelConfirmation: true,
	}
}

// Package markets holds the static table of Bitso books and their order minimums.
package markets

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"bitso-adapter/internal/config"
	"bitso-adapter/internal/core"
)

//go:embed bitso-markets.yaml
var bitsoMarkets []byte

type Table struct {
	Currencies []string `yaml:"currencies"`
	Assets     []string `yaml:"assets"`
	Markets    []Entry  `yaml:"markets"`
}

type Entry struct {
	Pair         []string     `yaml:"pair"`
	MinimalOrder MinimalOrder `yaml:"minimal_order"`
}

type MinimalOrder struct {
	Amount config.Decimal `yaml:"amount"`
	Price  config.Decimal `yaml:"price"`
	Order  config.Decimal `yaml:"order"`
}

// Bitso returns the embedded Bitso market table.
func Bitso() (Table, error) {
	return Parse(bitsoMarkets)
}

func Parse(data []byte) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && err != io.EOF {
		return Table{}, fmt.Errorf("decode market table: %w", err)
	}
	for i, m := range t.Markets {
		if len(m.Pair) != 2 {
			return Table{}, fmt.Errorf("market %d: pair must be [currency, asset]", i)
		}
		t.Markets[i].Pair = []string{strings.ToUpper(m.Pair[0]), strings.ToUpper(m.Pair[1])}
	}
	return t, nil
}

// Lookup finds the constraints of the market quoting asset in currency.
func (t Table) Lookup(currency, asset string) (core.MarketConstraints, bool) {
	currency = strings.ToUpper(currency)
	asset = strings.ToUpper(asset)
	for _, m := range t.Markets {
		if m.Pair[0] == currency && m.Pair[1] == asset {
			return m.constraints(), true
		}
	}
	return core.MarketConstraints{}, false
}

func (t Table) CoreMarkets() []core.Market {
	out := make([]core.Market, 0, len(t.Markets))
	for _, m := range t.Markets {
		out = append(out, core.Market{
			Pair:        core.NewPair(m.Pair[1], m.Pair[0]),
			Constraints: m.constraints(),
		})
	}
	return out
}

func (m Entry) constraints() core.MarketConstraints {
	return core.MarketConstraints{
		Amount: m.MinimalOrder.Amount.Decimal,
		Price:  m.MinimalOrder.Price.Decimal,
		Order:  m.MinimalOrder.Order.Decimal,
	}
}

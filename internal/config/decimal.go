package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal is a non-negative decimal read from YAML. Fees, tick sizes and
// minimum order values use it, so a negative literal is a config error.
// Quoted and bare numbers are both accepted; an empty scalar is zero.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	switch value.Tag {
	case "!!str", "!!int", "!!float", "!!null":
	default:
		return fmt.Errorf("line %d: decimal cannot be %s", value.Line, strings.TrimPrefix(value.Tag, "!!"))
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	if dec.Sign() < 0 {
		return fmt.Errorf("line %d: decimal %s must not be negative", value.Line, raw)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

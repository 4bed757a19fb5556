package config

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDecimalUnmarshalYAML(t *testing.T) {
	var got struct {
		Quoted Decimal `yaml:"quoted"`
		Bare   Decimal `yaml:"bare"`
		Int    Decimal `yaml:"int"`
		Empty  Decimal `yaml:"empty"`
		Null   Decimal `yaml:"unset"`
	}
	doc := "quoted: \" 0.00000001 \"\nbare: 0.0065\nint: 10\nempty: \"\"\nunset: ~\n"
	if err := yaml.Unmarshal([]byte(doc), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Quoted.String() != "0.00000001" {
		t.Fatalf("quoted = %s, want 0.00000001", got.Quoted)
	}
	if got.Bare.String() != "0.0065" {
		t.Fatalf("bare = %s, want 0.0065", got.Bare)
	}
	if got.Int.String() != "10" {
		t.Fatalf("int = %s, want 10", got.Int)
	}
	if !got.Empty.IsZero() || !got.Null.IsZero() {
		t.Fatalf("empty = %s null = %s, want 0", got.Empty, got.Null)
	}
}

func TestDecimalUnmarshalYAMLRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{name: "negative", doc: "v: \"-0.01\"", want: "line 1: decimal -0.01 must not be negative"},
		{name: "negative bare", doc: "\nv: -5", want: "line 2: decimal -5 must not be negative"},
		{name: "garbage", doc: "v: abc", want: "invalid decimal"},
		{name: "bool", doc: "v: true", want: "decimal cannot be bool"},
		{name: "sequence", doc: "v: [1, 2]", want: "decimal must be a scalar"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got struct {
				V Decimal `yaml:"v"`
			}
			err := yaml.Unmarshal([]byte(tc.doc), &got)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Unmarshal(%q) error = %v, want %q", tc.doc, err, tc.want)
			}
		})
	}
}

func TestParseRejectsNegativeDefaultFee(t *testing.T) {
	_, err := Parse([]byte("market:\n  asset: btc\n  currency: mxn\nexchange:\n  default_fee: \"-0.001\"\n"))
	if err == nil || !strings.Contains(err.Error(), "must not be negative") {
		t.Fatalf("Parse() error = %v, want negative decimal error", err)
	}
}

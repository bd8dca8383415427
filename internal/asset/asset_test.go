package asset

import (
	"math/big"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		asset   Asset
		input   string
		want    string
		wantErr bool
	}{
		{USDT, "100", "100000000", false},
		{USDT, "0.5", "500000", false},
		{WBTC, "1.00000001", "100000001", false},
		{ETH, "2", "2000000000000000000", false},
		{USDT, "0.0000001", "", true},
		{USDT, "-1", "", true},
		{USDT, "abc", "", true},
		{USDT, "", "", true},
	}

	for _, tc := range cases {
		got, err := ParseAmount(tc.asset, tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%s, %q) expected error, got %s", tc.asset, tc.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%s, %q): %v", tc.asset, tc.input, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ParseAmount(%s, %q) = %s, want %s", tc.asset, tc.input, got, tc.want)
		}
	}
}

func TestFormatAmountRoundTrip(t *testing.T) {
	amount := big.NewInt(12_345_678)
	if got := FormatAmount(USDT, amount); got != "12.345678" {
		t.Fatalf("unexpected formatted amount: %s", got)
	}
	parsed, err := ParseAmount(USDT, "12.345678")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Cmp(amount) != 0 {
		t.Fatalf("round trip mismatch: %s", parsed)
	}
}

func TestParseSymbol(t *testing.T) {
	if got, err := Parse(" usdt "); err != nil || got != USDT {
		t.Fatalf("Parse(usdt) = %s, %v", got, err)
	}
	if _, err := Parse("DOGE"); err == nil {
		t.Fatal("expected unsupported asset error")
	}
}

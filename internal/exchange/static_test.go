package exchange

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"HODL-Engine/internal/asset"
)

func TestStaticConverterConvert(t *testing.T) {
	converter, err := NewStaticConverter(map[string]string{
		"USDT/USDC": "1",
		"USDT/WBTC": "0.0000167",
		"USDT/ETH":  "0.00042",
	}, 0)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name   string
		from   asset.Asset
		to     asset.Asset
		amount *big.Int
		want   *big.Int
	}{
		{
			// 1:1 且精度相同，产出等于投入。
			name:   "stable to stable",
			from:   asset.USDT,
			to:     asset.USDC,
			amount: big.NewInt(25_000_000),
			want:   big.NewInt(25_000_000),
		},
		{
			// 100 USDT * 0.0000167 = 0.00167 WBTC = 167000 sat
			name:   "six decimals to eight",
			from:   asset.USDT,
			to:     asset.WBTC,
			amount: big.NewInt(100_000_000),
			want:   big.NewInt(167_000),
		},
		{
			// 10 USDT * 0.00042 = 0.0042 ETH
			name:   "six decimals to eighteen",
			from:   asset.USDT,
			to:     asset.ETH,
			amount: big.NewInt(10_000_000),
			want:   new(big.Int).Mul(big.NewInt(42), big.NewInt(100_000_000_000_000)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := converter.Convert(ctx, tt.from, tt.to, tt.amount)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if got.Cmp(tt.want) != 0 {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStaticConverterFeeAndDust(t *testing.T) {
	converter, err := NewStaticConverter(map[string]string{"USDT/USDC": "1"}, 30)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	ctx := context.Background()

	// 30 bps 手续费: 1000000 * 0.997 = 997000
	got, err := converter.Convert(ctx, asset.USDT, asset.USDC, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(big.NewInt(997_000)) != 0 {
		t.Fatalf("expected 997000, got %s", got)
	}

	// 向下取整: 3 * 0.997 = 2.991 -> 2
	got, err = converter.Convert(ctx, asset.USDT, asset.USDC, big.NewInt(3))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected floor to 2, got %s", got)
	}
}

func TestStaticConverterErrors(t *testing.T) {
	converter, err := NewStaticConverter(map[string]string{"USDT/USDC": "1"}, 0)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	ctx := context.Background()

	if _, err := converter.Convert(ctx, asset.USDC, asset.USDT, big.NewInt(1)); !stdErrors.Is(err, ErrPairNotSupported) {
		t.Fatalf("expected ErrPairNotSupported, got %v", err)
	}
	if _, err := converter.Convert(ctx, asset.USDT, asset.USDC, big.NewInt(0)); err == nil {
		t.Fatal("expected error for non-positive amount")
	}

	if _, err := NewStaticConverter(map[string]string{"USDT": "1"}, 0); err == nil {
		t.Fatal("expected error for malformed pair")
	}
	if _, err := NewStaticConverter(map[string]string{"USDT/USDC": "-1"}, 0); err == nil {
		t.Fatal("expected error for negative rate")
	}
	if _, err := NewStaticConverter(nil, 10_000); err == nil {
		t.Fatal("expected error for fee out of range")
	}
}

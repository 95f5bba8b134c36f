package notify

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var errOutOfRange = errors.New("notify: token amount out of range")

// DefaultDecimals es la precisión del token de stake (9 decimales).
const DefaultDecimals int32 = 9

// FormatTokens renders a base-unit amount as a token quantity.
func FormatTokens(amount uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals).String()
}

// ParseTokens converts a token quantity ("1.5") to base units, truncating
// digits beyond the token precision.
func ParseTokens(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	units := d.Shift(decimals).Truncate(0)
	if units.Sign() < 0 || units.BigInt().BitLen() > 64 {
		return 0, errOutOfRange
	}
	return units.BigInt().Uint64(), nil
}

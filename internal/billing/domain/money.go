package billing

import "github.com/shopspring/decimal"

const (
	// MoneyPlaces is the number of fractional digits stored for money.
	MoneyPlaces int32 = 2
	// QuantityPlaces is the number of fractional digits stored for quantities.
	QuantityPlaces int32 = 4
	// DefaultRatePlaces is the precision of intermediate per-unit rates.
	DefaultRatePlaces int32 = 10
	// MinRatePlaces is the lowest rate precision that keeps repeated splits within a cent.
	MinRatePlaces int32 = 7
)

var (
	// Cent is the smallest representable money amount.
	Cent = decimal.New(1, -MoneyPlaces)
	zero = decimal.Zero
)

// RoundMoney rounds x to two fractional digits, half up.
func RoundMoney(x decimal.Decimal) decimal.Decimal {
	return x.Round(MoneyPlaces)
}

// PerUnit returns value/qty at DefaultRatePlaces, or 0.00 when qty <= 0.
func PerUnit(value, qty decimal.Decimal) decimal.Decimal {
	return PerUnitAt(value, qty, DefaultRatePlaces)
}

// PerUnitAt is PerUnit with an explicit precision. places below MinRatePlaces
// are raised to MinRatePlaces.
func PerUnitAt(value, qty decimal.Decimal, places int32) decimal.Decimal {
	if !qty.IsPositive() {
		return zero.Round(MoneyPlaces)
	}
	if places < MinRatePlaces {
		places = MinRatePlaces
	}
	return value.DivRound(qty, places)
}

// Prorate multiplies a per-unit rate by qty and rounds once to money precision.
func Prorate(rate, qty decimal.Decimal) decimal.Decimal {
	return RoundMoney(rate.Mul(qty))
}

// WithinCents reports whether a and b differ by at most n cents.
func WithinCents(a, b decimal.Decimal, n int64) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Cent.Mul(decimal.NewFromInt(n)))
}

// SumMoney adds the values.
func SumMoney(values ...decimal.Decimal) decimal.Decimal {
	total := zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

package cid

import (
	"github.com/shopspring/decimal"
)

// Decimal wraps shopspring/decimal.Decimal so it can appear in
// canonically-encoded payloads. decimal.Decimal itself carries
// unexported fields (a *big.Int and an int32 exponent) that the CBOR
// reflector cannot see, so it is given an explicit, deterministic
// wire form here: its canonical decimal-string text, the same text
// decimal.Decimal.String() always produces for a given value.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal wraps d for canonical encoding.
func NewDecimal(d decimal.Decimal) Decimal {
	return Decimal{Decimal: d}
}

// MarshalCBOR implements cbor.Marshaler by encoding the decimal's
// canonical string form as a CBOR text string.
func (d Decimal) MarshalCBOR() ([]byte, error) {
	return canonicalMode.Marshal(d.Decimal.String())
}

// UnmarshalCBOR implements cbor.Unmarshaler, parsing the text string
// produced by MarshalCBOR back into a decimal.Decimal.
func (d *Decimal) UnmarshalCBOR(b []byte) error {
	var s string
	if err := Decode(b, &s); err != nil {
		return err
	}
	parsed, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	d.Decimal = parsed
	return nil
}

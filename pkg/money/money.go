// Package money implements Brazilian real amounts as integer centavos.
//
// Parsing accepts the formats seen in the upstream report: pt-BR strings
// ("R$ 1.234,56"), en-US strings ("1,234.56"), bare decimals and JSON
// numbers. All paths go through exact rational arithmetic, so no amount is
// ever held in floating point. Strings must not carry more than two decimal
// places ("1,234" is rejected, not read as R$ 1,23); numeric values are
// rounded to the centavo, half away from zero.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("empty amount")

	// ErrNegative is returned for amounts below zero.
	ErrNegative = errors.New("negative amount")

	// ErrMalformed is returned when the input is not a recognizable amount.
	ErrMalformed = errors.New("malformed amount")

	// ErrOverflow is returned when the amount does not fit in int64 centavos.
	ErrOverflow = errors.New("amount out of range")
)

// Amount is a non-negative BRL amount in centavos.
type Amount int64

// Cents returns the amount in minor units.
func (a Amount) Cents() int64 {
	return int64(a)
}

// Decimal formats the amount as a plain decimal with a period separator,
// e.g. "1234.56".
func (a Amount) Decimal() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// String formats the amount in pt-BR notation, e.g. "R$ 1.234,56".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := strconv.FormatInt(v/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, b.String(), v%100)
}

// Parse converts a loosely typed upstream value into an Amount.
func Parse(v any) (Amount, error) {
	switch x := v.(type) {
	case nil:
		return 0, ErrEmpty
	case Amount:
		if x < 0 {
			return 0, ErrNegative
		}
		return x, nil
	case json.Number:
		return fromDecimal(string(x))
	case string:
		return ParseString(x)
	case float64:
		return fromDecimal(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return fromDecimal(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case int:
		return fromDecimal(strconv.Itoa(x))
	case int64:
		return fromDecimal(strconv.FormatInt(x, 10))
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrMalformed, v)
	}
}

// ParseString parses a locale-formatted amount. When both separators are
// present the last one is the decimal mark. A lone comma is a decimal mark;
// a lone period is a thousands separator only when followed by exactly three
// digits.
func ParseString(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			if strings.Count(s, ",") > 1 {
				return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
			}
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
			if strings.Count(s, ".") > 1 {
				return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
			}
		}
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	case dots == 1:
		if i := strings.Index(s, "."); len(s)-i-1 == 3 && i > 0 {
			s = strings.Replace(s, ".", "", 1)
		}
	}

	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
	}
	if i := strings.Index(s, "."); i >= 0 && len(s)-i-1 > 2 {
		return 0, fmt.Errorf("%w: %q has sub-centavo precision", ErrMalformed, s)
	}
	return fromDecimal(s)
}

// fromDecimal converts a period-decimal string, possibly in exponent form,
// to centavos rounding half away from zero.
func fromDecimal(s string) (Amount, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if r.Sign() < 0 {
		return 0, ErrNegative
	}
	r.Mul(r, big.NewRat(100, 1))

	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() != 0 {
		if new(big.Int).Mul(m, big.NewInt(2)).CmpAbs(r.Denom()) >= 0 {
			q.Add(q, big.NewInt(1))
		}
	}
	if !q.IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(q.Int64()), nil
}

// MarshalJSON encodes the amount as a decimal number, e.g. 1234.56.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal()), nil
}

// UnmarshalJSON accepts a JSON number or a formatted string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, b)
	}
	parsed, err := Parse(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

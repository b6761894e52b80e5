package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/precatorios/precatorios-client/pkg/money"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Placeholder is stored in optional text fields that carry no value.
const Placeholder = "-"

// result is the outcome of parsing one field: a value or the reason it was
// rejected.
type result[T any] struct {
	value  T
	reason string
	ok     bool
}

func valid[T any](v T) result[T] {
	return result[T]{value: v, ok: true}
}

func invalid[T any](format string, args ...any) result[T] {
	return result[T]{reason: fmt.Sprintf(format, args...)}
}

// blank reports whether v carries no value.
func blank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(x)
		return s == "" || s == Placeholder
	}
	return false
}

// text trims v, or yields the placeholder for blank values.
func text(v any) result[string] {
	if blank(v) {
		return valid(Placeholder)
	}
	switch x := v.(type) {
	case string:
		return valid(strings.TrimSpace(x))
	case json.Number:
		return valid(x.String())
	case float64:
		return valid(strconv.FormatFloat(x, 'f', -1, 64))
	default:
		return valid(strings.TrimSpace(fmt.Sprint(x)))
	}
}

// processo keeps letters, digits, '-' and '.' of the process number.
// Numeric literals are rendered without exponent.
func processo(v any) result[string] {
	var raw string
	switch x := v.(type) {
	case nil:
		return invalid[string]("missing")
	case string:
		raw = x
	case json.Number:
		raw = plainNumber(x.String())
	case float64:
		raw = strconv.FormatFloat(x, 'f', 0, 64)
	case int:
		raw = strconv.Itoa(x)
	case int64:
		raw = strconv.FormatInt(x, 10)
	default:
		return invalid[string]("unsupported type %T", v)
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.' {
			return r
		}
		return -1
	}, raw)
	cleaned = strings.Trim(cleaned, ".-")
	if cleaned == "" {
		return invalid[string]("empty after cleaning %q", raw)
	}
	return valid(cleaned)
}

// plainNumber expands exponent notation of an integral number.
func plainNumber(s string) string {
	if !strings.ContainsAny(s, "eE") {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', 0, 64)
}

// amount parses a currency value. Blank values are zero.
func amount(v any) result[money.Amount] {
	if blank(v) {
		return valid(money.Amount(0))
	}
	a, err := money.Parse(v)
	if err != nil {
		return invalid[money.Amount]("%v", err)
	}
	return valid(a)
}

// epochMillisThreshold separates epoch milliseconds from epoch seconds.
const epochMillisThreshold = 1e11

// serialDaysLimit is the largest value read as a spreadsheet serial day.
const serialDaysLimit = 100000

var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// year parses the budget year: an integer, a digit string, or an epoch
// milliseconds timestamp.
func year(v any) result[int] {
	if blank(v) {
		return invalid[int]("missing")
	}
	n, ok := number(v)
	if !ok {
		return invalid[int]("not a number: %v", v)
	}
	if n != math.Trunc(n) {
		return invalid[int]("not an integer: %v", v)
	}
	if n > epochMillisThreshold {
		return valid(time.UnixMilli(int64(n)).UTC().Year())
	}
	if n < 1000 || n > 9999 {
		return invalid[int]("not a 4-digit year: %v", v)
	}
	return valid(int(n))
}

var (
	datetimeLiteral = regexp.MustCompile(`(?i)^datetime'?\(\s*(\d{1,4})\s*,\s*(\d{1,2})\s*,\s*(\d{1,2})`)
	brazilianDate   = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// date parses the registration date from epoch milliseconds, epoch seconds,
// spreadsheet serial days, datetime(y, m, d) literals, ISO dates or
// dd/mm/yyyy.
func date(v any) result[precatorio.Date] {
	if blank(v) {
		return invalid[precatorio.Date]("missing")
	}

	if s, isString := v.(string); isString {
		s = strings.TrimSpace(s)
		if m := datetimeLiteral.FindStringSubmatch(s); m != nil {
			return ymd(m[1], m[2], m[3], s)
		}
		if m := brazilianDate.FindStringSubmatch(s); m != nil {
			return ymd(m[3], m[2], m[1], s)
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				d, _ := precatorio.NewDate(t.Date())
				return valid(d)
			}
		}
		if !isDigits(s) {
			return invalid[precatorio.Date]("unparseable date %q", s)
		}
	}

	n, ok := number(v)
	if !ok {
		return invalid[precatorio.Date]("unparseable date %v", v)
	}
	switch {
	case n <= 0:
		return invalid[precatorio.Date]("non-positive timestamp %v", v)
	case n > epochMillisThreshold:
		return valid(precatorio.DateOf(time.UnixMilli(int64(n)).UTC()))
	case n < serialDaysLimit:
		return valid(precatorio.DateOf(serialEpoch.AddDate(0, 0, int(n))))
	default:
		return valid(precatorio.DateOf(time.Unix(int64(n), 0).UTC()))
	}
}

func ymd(y, m, d, raw string) result[precatorio.Date] {
	yy, _ := strconv.Atoi(y)
	mm, _ := strconv.Atoi(m)
	dd, _ := strconv.Atoi(d)
	dt, err := precatorio.NewDate(yy, time.Month(mm), dd)
	if err != nil {
		return invalid[precatorio.Date]("invalid date %q: %v", raw, err)
	}
	return valid(dt)
}

// number reads a numeric value from JSON numbers, Go numbers and numeric
// strings.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

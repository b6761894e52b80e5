package precatorio

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/precatorios/precatorios-client/pkg/money"
)

// EntityIdentifier pairs the URL-safe slug of a debtor entity with the exact
// name the upstream report filters on.
type EntityIdentifier struct {
	Slug         string `json:"slug" yaml:"slug"`
	OfficialName string `json:"name" yaml:"name"`
}

// EntityFilter is the resolved filter value sent upstream.
type EntityFilter struct {
	Entity EntityIdentifier
}

// Value returns the literal the upstream filter expression compares against.
func (f EntityFilter) Value() string {
	return f.Entity.OfficialName
}

// IsZero reports whether the filter was never resolved.
func (f EntityFilter) IsZero() bool {
	return f.Entity.OfficialName == ""
}

// Cursor is an opaque continuation token, held as the raw JSON text of the
// response's continuation field. It is carried verbatim between responses
// and requests and only compared for equality and emptiness.
type Cursor string

// NoCursor marks the first page of a crawl.
const NoCursor Cursor = ""

// IsEmpty reports whether the cursor signals that no further pages exist.
func (c Cursor) IsEmpty() bool {
	switch strings.TrimSpace(string(c)) {
	case "", "null", `""`, "[]":
		return true
	}
	return false
}

// RawPage is one columnar response page.
type RawPage struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Cursor  Cursor   `json:"cursor,omitempty"`
}

// Validate checks that every row has exactly one value per column.
func (p RawPage) Validate() error {
	for i, row := range p.Rows {
		if len(row) != len(p.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(p.Columns))
		}
	}
	return nil
}

// Len returns the number of rows in the page.
func (p RawPage) Len() int {
	return len(p.Rows)
}

// Date is a timezone-less calendar date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date, failing when the components do not name a real day.
func NewDate(year int, month time.Month, day int) (Date, error) {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != month || t.Day() != day {
		return Date{}, fmt.Errorf("invalid calendar date %04d-%02d-%02d", year, int(month), day)
	}
	return Date{Year: year, Month: month, Day: day}, nil
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) Date {
	t = t.UTC()
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON encodes the date as an ISO string.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes an ISO date string.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	*d = DateOf(t)
	return nil
}

// Record is the canonical, validated form of one precatório row.
type Record struct {
	// Ordem is the 1-based rank in the final crawl sequence. Upstream values
	// are never trusted; normalization leaves it zero.
	Ordem             int          `json:"ordem" validate:"gte=0"`
	Processo          string       `json:"processo" validate:"required"`
	Comarca           string       `json:"comarca" validate:"required"`
	AnoOrcamento      int          `json:"ano_orcamento" validate:"gte=1000,lte=9999"`
	Natureza          string       `json:"natureza" validate:"required"`
	DataCadastro      Date         `json:"data_cadastro"`
	TipoClassificacao string       `json:"tipo_classificacao" validate:"required"`
	ValorOriginal     money.Amount `json:"valor_original" validate:"gte=0"`
	ValorAtual        money.Amount `json:"valor_atual" validate:"gte=0"`
	Situacao          string       `json:"situacao" validate:"required"`
}

// FieldNames is the stable export order of Record fields.
var FieldNames = []string{
	"ordem",
	"processo",
	"comarca",
	"ano_orcamento",
	"natureza",
	"data_cadastro",
	"tipo_classificacao",
	"valor_original",
	"valor_atual",
	"situacao",
}

// Field is one named value of a record.
type Field struct {
	Name  string
	Value any
}

// Fields returns the record as an ordered tuple of named values, following
// FieldNames. Amounts stay in minor units and the date is a Date.
func (r Record) Fields() []Field {
	return []Field{
		{"ordem", r.Ordem},
		{"processo", r.Processo},
		{"comarca", r.Comarca},
		{"ano_orcamento", r.AnoOrcamento},
		{"natureza", r.Natureza},
		{"data_cadastro", r.DataCadastro},
		{"tipo_classificacao", r.TipoClassificacao},
		{"valor_original", r.ValorOriginal},
		{"valor_atual", r.ValorAtual},
		{"situacao", r.Situacao},
	}
}

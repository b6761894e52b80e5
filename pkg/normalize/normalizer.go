package normalize

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Field names of a normalized record.
const (
	FieldProcesso          = "processo"
	FieldComarca           = "comarca"
	FieldAnoOrcamento      = "ano_orcamento"
	FieldNatureza          = "natureza"
	FieldDataCadastro      = "data_cadastro"
	FieldTipoClassificacao = "tipo_classificacao"
	FieldValorOriginal     = "valor_original"
	FieldValorAtual        = "valor_atual"
	FieldSituacao          = "situacao"
)

// aliases lists, per record field, the column base names it is read from in
// order of preference. Names are matched case-insensitively.
var aliases = map[string][]string{
	FieldProcesso:          {"dfslcp_dsc_proc_precatorio", "processo"},
	FieldComarca:           {"dfslcp_dsc_comarca", "comarca"},
	FieldAnoOrcamento:      {"dfslcp_num_ano_orcamento", "ano_orcamento"},
	FieldNatureza:          {"dfslcp_dsc_natureza", "natureza"},
	FieldDataCadastro:      {"dfslcp_dat_cadastro", "data_cadastro"},
	FieldTipoClassificacao: {"dfslcp_dsc_tipo_classificao", "dfslcp_dsc_tipo_classificacao", "tipo_classificacao"},
	FieldValorOriginal:     {"dfslcp_vlr_original", "valor_original"},
	FieldValorAtual:        {"valoratualformatado", "dfslcp_vlr_atual", "valor_atual"},
	FieldSituacao:          {"dfslcp_dsc_sit_precatorio", "situacao"},
}

// aggregate matches an aggregation wrapper such as Sum(t.col).
var aggregate = regexp.MustCompile(`^[A-Za-z]+\((.*)\)$`)

// baseName strips aggregation wrappers and the table prefix from a column
// name and lowercases it.
func baseName(column string) string {
	name := strings.TrimSpace(column)
	for {
		m := aggregate.FindStringSubmatch(name)
		if m == nil {
			break
		}
		name = strings.TrimSpace(m[1])
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}

// FieldError is one rejected field of a row.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// RowFailure is a row excluded from the output. Row is the 0-based position
// of the row in its page.
type RowFailure struct {
	Row    int          `json:"row"`
	Errors []FieldError `json:"errors"`
}

func (f RowFailure) Error() string {
	parts := make([]string, len(f.Errors))
	for i, e := range f.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("row %d: %s", f.Row, strings.Join(parts, "; "))
}

// Unwrap marks the failure as a validation error.
func (f RowFailure) Unwrap() error {
	return precatorio.ErrValidation
}

// PageOutcome is the normalization of one page: accepted records in row
// order and the rows that were rejected.
type PageOutcome struct {
	Records  []precatorio.Record
	Failures []RowFailure
}

// Rejected returns the number of rejected rows.
func (o PageOutcome) Rejected() int {
	return len(o.Failures)
}

// Normalizer converts raw pages into records. It holds no mutable state and
// is safe for concurrent use.
type Normalizer struct {
	validate *validator.Validate
}

// New creates a Normalizer.
func New() *Normalizer {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Normalizer{validate: v}
}

// columnIndex maps record fields to column positions of one page.
type columnIndex map[string]int

func indexColumns(columns []string) columnIndex {
	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		name := baseName(c)
		if _, dup := byName[name]; !dup {
			byName[name] = i
		}
	}

	idx := make(columnIndex, len(aliases))
	for field, names := range aliases {
		for _, name := range names {
			if i, ok := byName[name]; ok {
				idx[field] = i
				break
			}
		}
	}
	return idx
}

// value returns the row's value for field, or nil when the page has no such
// column.
func (idx columnIndex) value(row []any, field string) any {
	i, ok := idx[field]
	if !ok || i >= len(row) {
		return nil
	}
	return row[i]
}

// Normalize converts every row of page. Rows with an invalid field are
// excluded from Records and listed in Failures.
func (n *Normalizer) Normalize(page precatorio.RawPage) PageOutcome {
	idx := indexColumns(page.Columns)
	out := PageOutcome{Records: make([]precatorio.Record, 0, len(page.Rows))}

	for i, row := range page.Rows {
		rec, errs := n.row(idx, row, len(page.Columns))
		if len(errs) > 0 {
			out.Failures = append(out.Failures, RowFailure{Row: i, Errors: errs})
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out
}

func (n *Normalizer) row(idx columnIndex, row []any, width int) (precatorio.Record, []FieldError) {
	if len(row) != width {
		return precatorio.Record{}, []FieldError{{
			Field:  "row",
			Reason: fmt.Sprintf("has %d values for %d columns", len(row), width),
		}}
	}

	var errs []FieldError
	check := func(field string, ok bool, reason string) {
		if !ok {
			errs = append(errs, FieldError{Field: field, Reason: reason})
		}
	}

	proc := processo(idx.value(row, FieldProcesso))
	check(FieldProcesso, proc.ok, proc.reason)
	ano := year(idx.value(row, FieldAnoOrcamento))
	check(FieldAnoOrcamento, ano.ok, ano.reason)
	cadastro := date(idx.value(row, FieldDataCadastro))
	check(FieldDataCadastro, cadastro.ok, cadastro.reason)
	original := amount(idx.value(row, FieldValorOriginal))
	check(FieldValorOriginal, original.ok, original.reason)
	atual := amount(idx.value(row, FieldValorAtual))
	check(FieldValorAtual, atual.ok, atual.reason)

	comarca := text(idx.value(row, FieldComarca))
	natureza := text(idx.value(row, FieldNatureza))
	tipo := text(idx.value(row, FieldTipoClassificacao))
	situacao := text(idx.value(row, FieldSituacao))

	if len(errs) > 0 {
		return precatorio.Record{}, errs
	}

	rec := precatorio.Record{
		Processo:          proc.value,
		Comarca:           comarca.value,
		AnoOrcamento:      ano.value,
		Natureza:          natureza.value,
		DataCadastro:      cadastro.value,
		TipoClassificacao: tipo.value,
		ValorOriginal:     original.value,
		ValorAtual:        atual.value,
		Situacao:          situacao.value,
	}
	if err := n.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, FieldError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"})
			}
		} else {
			errs = append(errs, FieldError{Field: "record", Reason: err.Error()})
		}
		return precatorio.Record{}, errs
	}
	return rec, nil
}

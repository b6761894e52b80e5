package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/precatorios/precatorios-client/pkg/money"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

// fetchParams are the query parameters of /api/fetch.
type fetchParams struct {
	Entity   string `form:"entity"`
	Count    string `form:"count"`
	Page     int    `form:"page,default=1" binding:"gte=1"`
	PerPage  int    `form:"per_page,default=50" binding:"gte=1"`
	SortBy   string `form:"sort_by" binding:"omitempty,oneof=ordem processo comarca ano_orcamento natureza data_cadastro tipo_classificacao valor_original valor_atual situacao"`
	Order    string `form:"order,default=asc" binding:"oneof=asc desc ASC DESC"`
	AnoMin   *int   `form:"ano_min"`
	AnoMax   *int   `form:"ano_max"`
	ValorMin string `form:"valor_min"`
	ValorMax string `form:"valor_max"`
	Natureza string `form:"natureza"`
	Format   string `form:"format,default=json" binding:"oneof=json csv"`
}

// fetchQuery is a validated fetchParams.
type fetchQuery struct {
	entity   string
	count    int
	page     int
	perPage  int
	sortBy   string
	desc     bool
	anoMin   *int
	anoMax   *int
	valorMin *money.Amount
	valorMax *money.Amount
	natureza string
	format   string
}

func (p fetchParams) compile() (fetchQuery, error) {
	q := fetchQuery{
		entity:   strings.TrimSpace(p.Entity),
		page:     p.Page,
		perPage:  min(p.PerPage, MaxPerPage),
		sortBy:   p.SortBy,
		desc:     strings.EqualFold(p.Order, "desc"),
		anoMin:   p.AnoMin,
		anoMax:   p.AnoMax,
		natureza: strings.TrimSpace(p.Natureza),
		format:   p.Format,
	}
	if q.entity == "" {
		q.entity = DefaultEntity
	}

	// A count that is not a positive integer leaves the crawl unbounded.
	if n, err := strconv.Atoi(p.Count); err == nil && n > 0 {
		q.count = n
	}

	var err error
	if q.valorMin, err = parseBound("valor_min", p.ValorMin); err != nil {
		return fetchQuery{}, err
	}
	if q.valorMax, err = parseBound("valor_max", p.ValorMax); err != nil {
		return fetchQuery{}, err
	}
	return q, nil
}

func parseBound(name, v string) (*money.Amount, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	a, err := money.ParseString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &a, nil
}

// apply filters and sorts records. The input slice is not modified.
func (q fetchQuery) apply(records []precatorio.Record) []precatorio.Record {
	out := make([]precatorio.Record, 0, len(records))
	for _, r := range records {
		if q.keep(r) {
			out = append(out, r)
		}
	}
	if q.sortBy != "" {
		less := lessBy(q.sortBy)
		sort.SliceStable(out, func(i, j int) bool {
			if q.desc {
				return less(out[j], out[i])
			}
			return less(out[i], out[j])
		})
	}
	return out
}

func (q fetchQuery) keep(r precatorio.Record) bool {
	switch {
	case q.anoMin != nil && r.AnoOrcamento < *q.anoMin:
		return false
	case q.anoMax != nil && r.AnoOrcamento > *q.anoMax:
		return false
	case q.valorMin != nil && r.ValorAtual < *q.valorMin:
		return false
	case q.valorMax != nil && r.ValorAtual > *q.valorMax:
		return false
	case q.natureza != "" && !strings.EqualFold(r.Natureza, q.natureza):
		return false
	}
	return true
}

func lessBy(field string) func(a, b precatorio.Record) bool {
	switch field {
	case "ordem":
		return func(a, b precatorio.Record) bool { return a.Ordem < b.Ordem }
	case "processo":
		return func(a, b precatorio.Record) bool { return a.Processo < b.Processo }
	case "comarca":
		return func(a, b precatorio.Record) bool { return a.Comarca < b.Comarca }
	case "ano_orcamento":
		return func(a, b precatorio.Record) bool { return a.AnoOrcamento < b.AnoOrcamento }
	case "natureza":
		return func(a, b precatorio.Record) bool { return a.Natureza < b.Natureza }
	case "data_cadastro":
		return func(a, b precatorio.Record) bool { return a.DataCadastro.String() < b.DataCadastro.String() }
	case "tipo_classificacao":
		return func(a, b precatorio.Record) bool { return a.TipoClassificacao < b.TipoClassificacao }
	case "valor_original":
		return func(a, b precatorio.Record) bool { return a.ValorOriginal < b.ValorOriginal }
	case "valor_atual":
		return func(a, b precatorio.Record) bool { return a.ValorAtual < b.ValorAtual }
	case "situacao":
		return func(a, b precatorio.Record) bool { return a.Situacao < b.Situacao }
	default:
		return func(a, b precatorio.Record) bool { return false }
	}
}

// paginate returns the 1-based page of rows, empty past the end.
func paginate(rows []precatorio.Record, page, perPage int) []precatorio.Record {
	start := (page - 1) * perPage
	if start >= len(rows) {
		return []precatorio.Record{}
	}
	end := min(start+perPage, len(rows))
	return rows[start:end]
}

// Package query builds the upstream report requests for one page of an
// entity's precatórios, or for the distinct entity listing.
package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Table is the report entity holding the payment schedule.
const Table = "dfslcp_SAPRE_LISTA_CRONO_PRECATORIO"

const (
	sourceAlias    = "d"
	entityProperty = "dfslcp_dsc_entidade"
	orderProperty  = "dfslcp_num_ordem"

	directionAscending = 1
	directionResume    = 2
)

// Columns are the report properties selected for every page, in projection
// order.
var Columns = []string{
	"dfslcp_dsc_proc_precatorio",
	"dfslcp_num_ano_orcamento",
	"dfslcp_dsc_natureza",
	"dfslcp_dat_cadastro",
	"dfslcp_dsc_tipo_classificao",
	"dfslcp_vlr_original",
	"dfslcp_num_ordem",
	"dfslcp_dsc_sit_precatorio",
	"dfslcp_dsc_comarca",
	"dfslcp_vlr_atual",
}

// Public report defaults.
const (
	DefaultResourceKey       = "e8c26605-679c-4da5-80d5-423cc8062db2"
	DefaultModelID     int64 = 4287487
)

// Config holds the static request parameters.
type Config struct {
	ResourceKey string
	ModelID     int64
}

// Spec is a fully built upstream request.
type Spec struct {
	Body    []byte
	Headers http.Header
}

// Builder produces request specs. It holds no mutable state.
type Builder struct {
	cfg Config
	ids func() string
}

// NewBuilder creates a builder with fresh UUID request identifiers.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg, ids: uuid.NewString}
}

// Build creates the request for one page of the entity's records. A non-empty
// cursor is sent verbatim as the window's restart tokens.
func (b *Builder) Build(filter precatorio.EntityFilter, cursor precatorio.Cursor, pageSize int) (Spec, error) {
	if pageSize <= 0 {
		return Spec{}, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageQuery,
			"page size must be positive, got %d", pageSize)
	}
	if filter.IsZero() {
		return Spec{}, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageQuery,
			"entity filter is empty")
	}

	selects := make([]selectItem, len(Columns))
	projections := make([]int, len(Columns))
	for i, c := range Columns {
		selects[i] = selectColumn(c)
		projections[i] = i
	}

	var where whereClause
	where.Condition.In.Expressions = []columnExpr{{Column: column(entityProperty)}}
	var lit literal
	lit.Literal.Value = quoteLiteral(filter.Value())
	where.Condition.In.Values = [][]literal{{lit}}

	order := orderByItem{Direction: directionAscending, Expression: columnExpr{Column: column(orderProperty)}}

	cmd := dataShapeCommand{
		Query: semanticQuery{
			Version: 2,
			From:    []source{{Name: sourceAlias, Entity: Table}},
			Select:  selects,
			Where:   []whereClause{where},
		},
		Binding: binding{
			Primary: bindingPrimary{Groupings: []grouping{{Projections: projections}}},
			Version: 1,
		},
		ExecutionMetricsKind: 1,
	}
	cmd.Binding.DataReduction.DataVolume = 3
	cmd.Binding.DataReduction.Primary.Window.Count = pageSize

	if !cursor.IsEmpty() {
		cmd.Binding.DataReduction.Primary.Window.RestartTokens = restartTokens(cursor)
		order.Direction = directionResume
	}
	cmd.Query.OrderBy = []orderByItem{order}

	return b.spec(cmd)
}

// BuildEntityListing creates the request for the distinct entity names in the
// report.
func (b *Builder) BuildEntityListing() (Spec, error) {
	cmd := dataShapeCommand{
		Query: semanticQuery{
			Version: 2,
			From:    []source{{Name: sourceAlias, Entity: Table}},
			Select:  []selectItem{selectColumn(entityProperty)},
		},
		Binding: binding{
			Primary:            bindingPrimary{Groupings: []grouping{{Projections: []int{0}}}},
			IncludeEmptyGroups: true,
			Version:            1,
		},
	}
	cmd.Binding.DataReduction.DataVolume = 3
	return b.spec(cmd)
}

// restartTokens embeds the cursor as-is. Cursors decoded from responses are
// already JSON; anything else is sent as a JSON string.
// quoteLiteral renders s as a single-quoted query literal, doubling any
// embedded quote.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func restartTokens(c precatorio.Cursor) json.RawMessage {
	if json.Valid([]byte(c)) {
		return json.RawMessage(c)
	}
	b, _ := json.Marshal(string(c))
	return b
}

func (b *Builder) spec(cmd dataShapeCommand) (Spec, error) {
	req := request{
		Version: "1.0.0",
		Queries: []queryEntry{{
			Query: queryBody{Commands: []command{{SemanticQueryDataShapeCommand: cmd}}},
		}},
		CancelQueries: []interface{}{},
		ModelID:       b.cfg.ModelID,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Spec{}, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageQuery,
			"marshal query: %w", err)
	}

	return Spec{Body: body, Headers: b.headers()}, nil
}

func (b *Builder) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("ActivityId", b.ids())
	h.Set("RequestId", b.ids())
	if b.cfg.ResourceKey != "" {
		h.Set("X-PowerBI-ResourceKey", b.cfg.ResourceKey)
	}
	return h
}

// String describes the spec for logs without dumping the body.
func (s Spec) String() string {
	return fmt.Sprintf("query(%d bytes, request %s)", len(s.Body), s.Headers.Get("RequestId"))
}

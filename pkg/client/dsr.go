package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// DSRCodec decodes the Power BI data shape result (DSR) returned by the
// public querydata endpoint.
//
// Rows are compressed: each row lists only the values that differ from the
// previous row. The R bitmask marks columns repeated from the previous row,
// the Ø bitmask marks nulls, and columns with a DN entry in the schema hold
// indexes into the data shape's value dictionaries.
type DSRCodec struct{}

// Name returns the wire format name.
func (DSRCodec) Name() string { return FormatDSR }

type dsrResponse struct {
	Results []struct {
		Result struct {
			Data struct {
				Descriptor struct {
					Select []struct {
						Value string `json:"Value"`
						Name  string `json:"Name"`
					} `json:"Select"`
				} `json:"descriptor"`
				DSR struct {
					DS []dsrDataSet `json:"DS"`
				} `json:"dsr"`
			} `json:"data"`
		} `json:"result"`
	} `json:"results"`
}

type dsrDataSet struct {
	PH []struct {
		DM0 []map[string]json.RawMessage `json:"DM0"`
	} `json:"PH"`
	ValueDicts map[string][]any `json:"ValueDicts"`
	RT         json.RawMessage  `json:"RT"`
	IC         bool             `json:"IC"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"odata.error"`
}

type dsrSchemaColumn struct {
	N  string `json:"N"`
	DN string `json:"DN"`
}

// Decode flattens the first data set into a columnar page. Column names come
// from the query descriptor; the continuation cursor is the data set's
// restart tokens unless it reports itself complete.
func (DSRCodec) Decode(body []byte) (precatorio.RawPage, error) {
	var resp dsrResponse
	if err := decodeJSON(body, &resp); err != nil {
		return precatorio.RawPage{}, err
	}
	if len(resp.Results) == 0 {
		return precatorio.RawPage{}, protocolError("response has no results")
	}

	data := resp.Results[0].Result.Data
	if len(data.Descriptor.Select) == 0 {
		return precatorio.RawPage{}, protocolError("response has no descriptor")
	}

	columns := make([]string, len(data.Descriptor.Select))
	index := make(map[string]int, len(columns))
	for i, s := range data.Descriptor.Select {
		columns[i] = s.Name
		index[s.Value] = i
	}

	page := precatorio.RawPage{Columns: columns, Rows: [][]any{}}
	if len(data.DSR.DS) == 0 {
		return page, nil
	}

	ds := data.DSR.DS[0]
	if ds.Error != nil {
		return precatorio.RawPage{}, protocolError("data shape error: " + ds.Error.Message)
	}

	var schema []dsrSchemaColumn
	var prev []any
	for _, ph := range ds.PH {
		for n, raw := range ph.DM0 {
			if s, ok := raw["S"]; ok {
				if err := json.Unmarshal(s, &schema); err != nil {
					return precatorio.RawPage{}, protocolError(fmt.Sprintf("row %d: bad schema: %v", n, err))
				}
				prev = nil
			}
			if len(schema) == 0 {
				return precatorio.RawPage{}, protocolError(fmt.Sprintf("row %d precedes any schema", n))
			}

			values, err := expandRow(raw, schema, prev, ds.ValueDicts)
			if err != nil {
				return precatorio.RawPage{}, protocolError(fmt.Sprintf("row %d: %v", n, err))
			}
			prev = values

			row := make([]any, len(columns))
			for i, col := range schema {
				if j, ok := index[col.N]; ok {
					row[j] = values[i]
				}
			}
			page.Rows = append(page.Rows, row)
		}
	}

	if rt := bytes.TrimSpace(ds.RT); len(rt) > 0 && !ds.IC {
		page.Cursor = precatorio.Cursor(rt)
	}
	return page, nil
}

// expandRow resolves one compressed DM0 entry against the previous row.
func expandRow(raw map[string]json.RawMessage, schema []dsrSchemaColumn, prev []any, dicts map[string][]any) ([]any, error) {
	var compressed []any
	if c, ok := raw["C"]; ok {
		if err := decodeJSON(c, &compressed); err != nil {
			return nil, err
		}
	}
	repeat, err := bitmask(raw["R"])
	if err != nil {
		return nil, err
	}
	null, err := bitmask(raw["Ø"])
	if err != nil {
		return nil, err
	}

	values := make([]any, len(schema))
	next := 0
	for i, col := range schema {
		bit := int64(1) << uint(i)
		switch {
		case repeat&bit != 0:
			if i >= len(prev) {
				return nil, errors.New("repeat flag without a previous row")
			}
			values[i] = prev[i]
			continue
		case null&bit != 0:
			values[i] = nil
			continue
		}
		if next >= len(compressed) {
			return nil, fmt.Errorf("column %s: missing value", col.N)
		}
		v := compressed[next]
		next++

		if col.DN != "" {
			resolved, err := lookupDict(dicts[col.DN], v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.N, err)
			}
			v = resolved
		}
		values[i] = v
	}
	return values, nil
}

func lookupDict(dict []any, v any) (any, error) {
	n, ok := v.(json.Number)
	if !ok {
		// Values may be inlined instead of referenced.
		return v, nil
	}
	idx, err := strconv.Atoi(n.String())
	if err != nil || idx < 0 || idx >= len(dict) {
		return nil, fmt.Errorf("dictionary index %s out of range", n)
	}
	return dict[idx], nil
}

func bitmask(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("bad bitmask %s: %w", raw, err)
	}
	return n, nil
}

func protocolError(msg string) error {
	return &UpstreamError{Class: ErrorClassProtocol, Message: msg}
}

package client

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// Codec decodes a successful response body into a page.
type Codec interface {
	Name() string
	Decode(body []byte) (precatorio.RawPage, error)
}

// Wire formats understood by CodecFor.
const (
	FormatColumnar = "columnar"
	FormatDSR      = "dsr"
)

// CodecFor returns the codec for a wire format name.
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", FormatColumnar:
		return ColumnarCodec{}, nil
	case FormatDSR:
		return DSRCodec{}, nil
	default:
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"unknown wire format %q", format)
	}
}

//go:embed columnar.schema.json
var columnarSchemaJSON string

var columnarSchema = jsonschema.MustCompileString("columnar.schema.json", columnarSchemaJSON)

// ColumnarCodec decodes {columns, rows, cursor} envelopes.
type ColumnarCodec struct{}

// Name returns the wire format name.
func (ColumnarCodec) Name() string { return FormatColumnar }

// Decode validates the envelope against its schema and checks that every
// row matches the column count. Numbers are kept as json.Number.
func (ColumnarCodec) Decode(body []byte) (precatorio.RawPage, error) {
	var doc any
	if err := decodeJSON(body, &doc); err != nil {
		return precatorio.RawPage{}, err
	}
	if err := columnarSchema.Validate(doc); err != nil {
		return precatorio.RawPage{}, &UpstreamError{Class: ErrorClassProtocol, Message: "unexpected response shape", Err: err}
	}

	var env struct {
		Columns []string        `json:"columns"`
		Rows    [][]any         `json:"rows"`
		Cursor  json.RawMessage `json:"cursor"`
	}
	if err := decodeJSON(body, &env); err != nil {
		return precatorio.RawPage{}, err
	}

	page := precatorio.RawPage{
		Columns: env.Columns,
		Rows:    env.Rows,
		Cursor:  precatorio.Cursor(bytes.TrimSpace(env.Cursor)),
	}
	if err := page.Validate(); err != nil {
		return precatorio.RawPage{}, &UpstreamError{Class: ErrorClassProtocol, Message: "ragged page", Err: err}
	}
	return page, nil
}

func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &UpstreamError{Class: ErrorClassProtocol, Message: "malformed JSON", Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

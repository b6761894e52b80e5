package client

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

func TestCodecFor(t *testing.T) {
	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{"", FormatColumnar, false},
		{"columnar", FormatColumnar, false},
		{"dsr", FormatDSR, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			codec, err := CodecFor(tt.format)
			if tt.wantErr {
				assert.True(t, errors.Is(err, precatorio.ErrInvalidConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, codec.Name())
		})
	}
}

func TestColumnarCodec_Decode(t *testing.T) {
	body := `{"columns": ["processo", "valor"], "rows": [["0001", 1234.56], ["0002", "R$ 10,00"]], "cursor": [["'0002'", 2]]}`

	page, err := ColumnarCodec{}.Decode([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, []string{"processo", "valor"}, page.Columns)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, json.Number("1234.56"), page.Rows[0][1], "numbers must not pass through float64")
	assert.Equal(t, precatorio.Cursor(`[["'0002'", 2]]`), page.Cursor)
}

func TestColumnarCodec_NoCursor(t *testing.T) {
	for _, body := range []string{
		`{"columns": ["a"], "rows": []}`,
		`{"columns": ["a"], "rows": [], "cursor": null}`,
	} {
		page, err := ColumnarCodec{}.Decode([]byte(body))
		require.NoError(t, err)
		assert.True(t, page.Cursor.IsEmpty(), "body %s", body)
	}
}

func TestColumnarCodec_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing rows", `{"columns": ["a"]}`},
		{"columns not strings", `{"columns": [1], "rows": []}`},
		{"row not a list", `{"columns": ["a"], "rows": ["x"]}`},
		{"ragged row", `{"columns": ["a", "b"], "rows": [["x"]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ColumnarCodec{}.Decode([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, ErrorClassProtocol, ClassOf(err))
			assert.Equal(t, Permanent, Classify(err))
		})
	}
}

func TestDSRCodec_Decode(t *testing.T) {
	body, err := os.ReadFile("testdata/dsr_page.json")
	require.NoError(t, err)

	page, err := DSRCodec{}.Decode(body)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"dfslcp_SAPRE_LISTA_CRONO_PRECATORIO.dfslcp_dsc_proc_precatorio",
		"dfslcp_SAPRE_LISTA_CRONO_PRECATORIO.dfslcp_num_ano_orcamento",
		"Sum(dfslcp_SAPRE_LISTA_CRONO_PRECATORIO.dfslcp_vlr_atual)",
	}, page.Columns)

	want := [][]any{
		{"0001", json.Number("2020"), "1.234,56"},
		{"0002", json.Number("2020"), "99,00"},
		{"0003", json.Number("2020"), nil},
	}
	assert.Equal(t, want, page.Rows)
	assert.Equal(t, precatorio.Cursor(`[["'0003'"]]`), page.Cursor)
	assert.NoError(t, page.Validate())
}

func TestDSRCodec_Complete(t *testing.T) {
	body := `{"results": [{"result": {"data": {
		"descriptor": {"Select": [{"Value": "G0", "Name": "T.a"}]},
		"dsr": {"DS": [{"PH": [{"DM0": [{"S": [{"N": "G0"}], "C": ["x"]}]}], "IC": true, "RT": [["x"]]}]}
	}}}]}`

	page, err := DSRCodec{}.Decode([]byte(body))
	require.NoError(t, err)
	assert.Len(t, page.Rows, 1)
	assert.True(t, page.Cursor.IsEmpty(), "complete data sets have no continuation")
}

func TestDSRCodec_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no results", `{"results": []}`},
		{"no descriptor", `{"results": [{"result": {"data": {"dsr": {"DS": []}}}}]}`},
		{"row before schema", `{"results": [{"result": {"data": {
			"descriptor": {"Select": [{"Value": "G0", "Name": "a"}]},
			"dsr": {"DS": [{"PH": [{"DM0": [{"C": ["x"]}]}]}]}}}}]}`},
		{"missing value", `{"results": [{"result": {"data": {
			"descriptor": {"Select": [{"Value": "G0", "Name": "a"}, {"Value": "G1", "Name": "b"}]},
			"dsr": {"DS": [{"PH": [{"DM0": [{"S": [{"N": "G0"}, {"N": "G1"}], "C": ["x"]}]}]}]}}}}]}`},
		{"dictionary index out of range", `{"results": [{"result": {"data": {
			"descriptor": {"Select": [{"Value": "G0", "Name": "a"}]},
			"dsr": {"DS": [{"PH": [{"DM0": [{"S": [{"N": "G0", "DN": "D0"}], "C": [3]}]}], "ValueDicts": {"D0": ["x"]}}]}}}}]}`},
		{"data shape error", `{"results": [{"result": {"data": {
			"descriptor": {"Select": [{"Value": "G0", "Name": "a"}]},
			"dsr": {"DS": [{"odata.error": {"message": "query timeout"}}]}}}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DSRCodec{}.Decode([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, Permanent, Classify(err))
		})
	}
}

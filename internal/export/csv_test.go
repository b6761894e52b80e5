package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

func sampleRecords() []precatorio.Record {
	return []precatorio.Record{
		{
			Ordem:             1,
			Processo:          "0001234-56.2019.8.06.0001",
			Comarca:           "Fortaleza",
			AnoOrcamento:      2021,
			Natureza:          "Alimentar",
			DataCadastro:      precatorio.Date{Year: 2019, Month: time.May, Day: 10},
			TipoClassificacao: "Comum",
			ValorOriginal:     123456,
			ValorAtual:        150025,
			Situacao:          "Aguardando pagamento",
		},
		{
			Ordem:             2,
			Processo:          "0009999-00.2020.8.06.0001",
			Comarca:           "Caucaia, CE",
			AnoOrcamento:      2022,
			Natureza:          "-",
			DataCadastro:      precatorio.Date{Year: 2020, Month: time.January, Day: 2},
			TipoClassificacao: "-",
			ValorOriginal:     0,
			ValorAtual:        99,
			Situacao:          "-",
		},
	}
}

func readCSV(t *testing.T, data string) [][]string {
	t.Helper()
	rows, err := csv.NewReader(strings.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRecords(), Options{}))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "\ufeff"), "output should start with a BOM")

	rows := readCSV(t, strings.TrimPrefix(out, "\ufeff"))
	require.Len(t, rows, 3)
	assert.Equal(t, precatorio.FieldNames, rows[0])
	assert.Equal(t, []string{
		"1", "0001234-56.2019.8.06.0001", "Fortaleza", "2021", "Alimentar", "2019-05-10",
		"Comum", "R$ 1.234,56", "R$ 1.500,25", "Aguardando pagamento",
	}, rows[1])
	assert.Equal(t, "Caucaia, CE", rows[2][2], "embedded comma must round-trip")
	assert.Equal(t, "R$ 0,99", rows[2][8])
}

func TestWriteCSV_Options(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRecords()[:1], Options{Amounts: AmountDecimal, NoBOM: true, NoHeader: true}))

	rows := readCSV(t, buf.String())
	require.Len(t, rows, 1)
	assert.Equal(t, "1234.56", rows[0][7])
	assert.Equal(t, "1500.25", rows[0][8])
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil, Options{NoBOM: true}))
	assert.Equal(t, strings.Join(precatorio.FieldNames, ",")+"\n", buf.String())
}

func TestAppendCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	records := sampleRecords()

	require.NoError(t, AppendCSVFile(path, records[:1], AmountBRL))
	require.NoError(t, AppendCSVFile(path, records[1:], AmountBRL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\ufeff"))

	rows := readCSV(t, strings.TrimPrefix(string(data), "\ufeff"))
	require.Len(t, rows, 3, "header once, then both records")
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "2", rows[2][0])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleRecords()[:1]))

	out := buf.String()
	assert.Contains(t, out, `"valor_original": 1234.56`)
	assert.Contains(t, out, `"data_cadastro": "2019-05-10"`)
	assert.Contains(t, out, `"processo": "0001234-56.2019.8.06.0001"`)
}

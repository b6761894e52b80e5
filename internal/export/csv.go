// Package export serializes crawl results.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/precatorios/precatorios-client/pkg/money"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// bom marks the file as UTF-8 for spreadsheet applications.
const bom = "\ufeff"

// AmountStyle selects how currency values are written.
type AmountStyle int

const (
	// AmountBRL writes amounts as "R$ 1.234,56".
	AmountBRL AmountStyle = iota
	// AmountDecimal writes amounts as "1234.56".
	AmountDecimal
)

// Options controls CSV output.
type Options struct {
	Amounts AmountStyle
	// NoBOM omits the byte order mark.
	NoBOM bool
	// NoHeader omits the header row.
	NoHeader bool
}

// WriteCSV writes records with a header row in precatorio.FieldNames order.
func WriteCSV(w io.Writer, records []precatorio.Record, opts Options) error {
	if !opts.NoBOM {
		if _, err := io.WriteString(w, bom); err != nil {
			return fmt.Errorf("write bom: %w", err)
		}
	}

	cw := csv.NewWriter(w)
	if !opts.NoHeader {
		if err := cw.Write(precatorio.FieldNames); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	row := make([]string, len(precatorio.FieldNames))
	for _, rec := range records {
		for i, f := range rec.Fields() {
			row[i] = formatField(f, opts.Amounts)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record %d: %w", rec.Ordem, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// AppendCSVFile writes records to path. A new file gets the BOM and header;
// an existing file is appended to.
func AppendCSVFile(path string, records []precatorio.Record, style AmountStyle) error {
	_, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := WriteCSV(f, records, Options{Amounts: style, NoBOM: exists, NoHeader: exists}); err != nil {
		return err
	}
	return f.Close()
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func formatField(f precatorio.Field, style AmountStyle) string {
	switch v := f.Value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case precatorio.Date:
		return v.String()
	case money.Amount:
		if style == AmountDecimal {
			return v.Decimal()
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

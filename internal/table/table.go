// Package table renders tabular RPC output in the formats named in
// spec.md §6: default psql-style, vertical (transposed per-row),
// column-names, json, and csv. This is an ambient presentation concern,
// not the out-of-scope data-block wire codec (spec.md §1 "the
// serialization format of tabular data" names the latter as an external
// collaborator; rendering already-materialized rows for a human operator
// is this repository's own concern).
package table

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
)

// Format names one of the §6 output formats.
type Format string

const (
	FormatPSQL        Format = ""
	FormatVertical    Format = "vertical"
	FormatColumnNames Format = "column-names"
	FormatJSON        Format = "json"
	FormatCSV         Format = "csv"
)

// ErrUnknownFormat is returned by Render for any format not in §6's list.
var ErrUnknownFormat = errors.New("table: unknown format")

// Frame is the minimal shape this package renders: an ordered column list
// plus rows of equal length. The real tabular data-block type is external
// per §1; callers adapt their product rows into a Frame at the RPC
// boundary.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// Render dispatches to the renderer named by format.
func Render(f Frame, format Format) (string, error) {
	switch format {
	case FormatPSQL:
		return renderPSQL(f), nil
	case FormatVertical:
		return renderVertical(f), nil
	case FormatColumnNames:
		return strings.Join(f.Columns, "\n"), nil
	case FormatJSON:
		return renderJSON(f)
	case FormatCSV:
		return renderCSV(f)
	default:
		return "", errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

func renderPSQL(f Frame) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(f.Columns, "\t"))
	for _, row := range f.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return buf.String()
}

func renderVertical(f Frame) string {
	var buf bytes.Buffer
	for i, row := range f.Rows {
		fmt.Fprintf(&buf, "-[ row %d ]-\n", i+1)
		for j, col := range f.Columns {
			val := ""
			if j < len(row) {
				val = row[j]
			}
			fmt.Fprintf(&buf, "%s: %s\n", col, val)
		}
	}
	return buf.String()
}

func renderJSON(f Frame) (string, error) {
	out := make([]map[string]string, 0, len(f.Rows))
	for _, row := range f.Rows {
		rec := make(map[string]string, len(f.Columns))
		for j, col := range f.Columns {
			if j < len(row) {
				rec[col] = row[j]
			}
		}
		out = append(out, rec)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "table: marshalling json")
	}
	return string(b), nil
}

func renderCSV(f Frame) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(f.Columns); err != nil {
		return "", errors.Wrap(err, "table: writing csv header")
	}
	for _, row := range f.Rows {
		if err := w.Write(row); err != nil {
			return "", errors.Wrap(err, "table: writing csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "table: flushing csv")
	}
	return buf.String(), nil
}

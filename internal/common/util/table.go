package util

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// FormatTable renders rows as tab-aligned columns under a header line.
func FormatTable(header []string, rows [][]string) string {
	sb := &strings.Builder{}
	w := tabwriter.NewWriter(sb, 1, 1, 2, ' ', 0)
	// strings.Builder never errors
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	return sb.String()
}

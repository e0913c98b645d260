package export

// Dataset defines tabular export content.
type Dataset struct {
	Title   string
	Caption []string
	Headers []string
	Rows    []map[string]string
	// Totals is rendered as a closing row when non-empty.
	Totals map[string]string
	// Numeric columns are right-aligned in PDF output.
	Numeric map[string]bool
}

func (d Dataset) record(row map[string]string) []string {
	out := make([]string, len(d.Headers))
	for i, h := range d.Headers {
		out[i] = row[h]
	}
	return out
}

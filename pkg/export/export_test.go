package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statement() Dataset {
	return Dataset{
		Title:   "Commission statement",
		Caption: []string{"Partner: Acme Gold"},
		Headers: []string{"Deal", "Value", "Commission"},
		Rows: []map[string]string{
			{"Deal": "Acme Corp", "Value": "250000.00", "Commission": "30000.00"},
		},
		Totals:  map[string]string{"Deal": "Total", "Commission": "30000.00"},
		Numeric: map[string]bool{"Value": true, "Commission": true},
	}
}

func TestCSVRendersRowsAndTotals(t *testing.T) {
	out, err := NewCSVExporter().Render(statement())
	require.NoError(t, err)
	assert.Equal(t, "Deal,Value,Commission\nAcme Corp,250000.00,30000.00\nTotal,,30000.00\n", string(out))
}

func TestCSVRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
}

func TestPDFRenders(t *testing.T) {
	out, err := NewPDFExporter().Render(statement())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

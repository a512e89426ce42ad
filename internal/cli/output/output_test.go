package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

type model struct {
	Name   string `json:"name" yaml:"name"`
	TypeID string `json:"type_id" yaml:"type_id"`
}

func TestPrint(t *testing.T) {
	data := []model{{Name: "Calibration", TypeID: "vire::cms::dummy_use_case"}}

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatJSON, data))
	assert.Contains(t, buf.String(), `"type_id": "vire::cms::dummy_use_case"`)

	buf.Reset()
	require.NoError(t, Print(&buf, FormatYAML, data))
	assert.Equal(t, "- name: Calibration\n  type_id: vire::cms::dummy_use_case\n", buf.String())

	// not a TableRenderer
	buf.Reset()
	require.NoError(t, Print(&buf, FormatTable, data))
	assert.True(t, strings.HasPrefix(buf.String(), "["))

	assert.Error(t, Print(&buf, Format("xml"), data))
}

type sessionRows [][]string

func (r sessionRows) Headers() []string { return []string{"key", "role"} }
func (r sessionRows) Rows() [][]string  { return r }

func TestPrintTable(t *testing.T) {
	td := sessionRows{{"calib", "expert"}, {"root", "guest"}}

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, td))
	out := buf.String()
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "calib")
	assert.Contains(t, out, "guest")
	assert.Len(t, td.Rows(), 2)
}

func TestKeyValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, KeyValues(&buf, [][2]string{{"Database", "memory"}, {"API port", "8080"}}))
	assert.Contains(t, buf.String(), "Database")
	assert.Contains(t, buf.String(), "8080")
}

package source

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "combine.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name, location string
		want           Format
		wantErr        bool
	}{
		{"", "/data/combine.csv", FormatCSV, false},
		{"", "https://feeds.example.com/grades.json?token=x", FormatJSON, false},
		{"", "ftp://drop.example.com/injury.jsonl", FormatJSONLines, false},
		{"", "combine.XLSX", FormatXLSX, false},
		{"NDJSON", "whatever", FormatJSONLines, false},
		{"csv", "feed.txt", FormatCSV, false},
		{"", "feed.txt", "", true},
		{"parquet", "feed.parquet", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.name, tt.location)
		if tt.wantErr {
			assert.Error(t, err, tt.location)
			continue
		}
		require.NoError(t, err, tt.location)
		assert.Equal(t, tt.want, got, tt.location)
	}
}

func TestStreamCSV_Header(t *testing.T) {
	headerCh := make(chan []string, 1)
	rows, errs := StreamCSV(context.Background(), strings.NewReader("a,b\n1,2\n3,4\n"), CSVOptions{HasHeader: true, HeaderCh: headerCh})

	var got [][]string
	for r := range rows {
		got = append(got, r)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"a", "b"}, <-headerCh)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}}, got)
}

func TestDecodeCSV_NormalizesHeaderAndSkipsBlanks(t *testing.T) {
	in := "First Name,Last-Name,Position,College,Weight\n" +
		"John,Smith,WR,State, 215 lbs \n" +
		",,,,\n" +
		"Mike,Jones,QB,Tech,\n"

	got, err := DecodeCSV(context.Background(), strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "John", got[0]["first_name"])
	assert.Equal(t, "Smith", got[0]["last_name"])
	assert.Equal(t, "215 lbs", got[0]["weight"])
	_, hasWeight := got[1]["weight"]
	assert.False(t, hasWeight)
}

func TestDecodeJSON(t *testing.T) {
	in := `[{"name":"John Smith","grade":87.5,"external_id":"g-1"},{},{"name":"Mike Jones","grade":6}]`
	got, err := DecodeJSON(context.Background(), strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 87.5, got[0]["grade"])
	assert.Equal(t, 6.0, got[1]["grade"])
}

func TestDecodeJSON_NotArray(t *testing.T) {
	_, err := DecodeJSON(context.Background(), strings.NewReader(`{"name":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestDecodeJSON_Empty(t *testing.T) {
	got, err := DecodeJSON(context.Background(), strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeJSONLines(t *testing.T) {
	in := "{\"name\":\"John Smith\",\"status\":\"out\"}\n\n{\"name\":\"Mike Jones\",\"status\":\"healthy\"}\n"
	got, err := DecodeJSONLines(context.Background(), strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "healthy", got[1]["status"])
}

func TestDecodeJSONLines_BadLine(t *testing.T) {
	_, err := DecodeJSONLines(context.Background(), strings.NewReader("{\"a\":1}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestDecodeXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Combine": {
			{"Name", "Position", "College", "Height", "Forty Yd"},
			{"John Smith", "WR", "State", "6022", "4.45"},
			{"", "", "", "", ""},
		},
	})

	got, err := DecodeXLSX(path, "Combine")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "6022", got[0]["height"])
	assert.Equal(t, "4.45", got[0]["forty_yd"])
}

func TestDecodeXLSX_MissingSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"a"}}})
	_, err := DecodeXLSX(path, "Nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

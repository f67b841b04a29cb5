package ingest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *Reader) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestReaderBasic(t *testing.T) {
	r, err := NewReader(strings.NewReader("name,age\nAda,30\nGrace,40\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "age"}, r.Columns())
	rows := readAll(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Line: 2, Values: []interface{}{"Ada", "30"}}, rows[0])
	assert.Equal(t, Row{Line: 3, Values: []interface{}{"Grace", "40"}}, rows[1])

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderShortRecordYieldsNil(t *testing.T) {
	r, err := NewReader(strings.NewReader("a,b,c\n1\n"))
	require.NoError(t, err)

	rows := readAll(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, []interface{}{"1", nil, nil}, rows[0].Values)
}

func TestReaderExtraFieldsIsMalformed(t *testing.T) {
	r, err := NewReader(strings.NewReader("a,b\n1,2\n1,2,3\n"))
	require.NoError(t, err)

	_, err = r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	var mErr *MalformedInputError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, 3, mErr.Line)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderEmptyInput(t *testing.T) {
	for _, src := range []string{"", "\n\n"} {
		_, err := NewReader(strings.NewReader(src))
		var mErr *MalformedInputError
		assert.ErrorAs(t, err, &mErr)
	}
}

func TestReaderBadQuoting(t *testing.T) {
	r, err := NewReader(strings.NewReader("a,b\n\"unterminated,1\n"))
	require.NoError(t, err)

	_, err = r.Next()
	var mErr *MalformedInputError
	assert.ErrorAs(t, err, &mErr)
}

func TestHeaderColumns(t *testing.T) {
	got := HeaderColumns([]string{"\uFEFFFirst Name", "id", "", "first name", "ID", "2024 Revenue"})
	assert.Equal(t, []string{"first_name", "id_2", "column_3", "first_name_2", "id_3", "_2024_revenue"}, got)
}

func TestHeaderColumnsLongDuplicates(t *testing.T) {
	long := strings.Repeat("x", 80)
	got := HeaderColumns([]string{long, long})
	assert.Len(t, got[0], 63)
	assert.Len(t, got[1], 63)
	assert.True(t, strings.HasSuffix(got[1], "_2"))
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ',', SniffDelimiter([]byte("a,b,c\n1;2;3;4;5")))
	assert.Equal(t, ';', SniffDelimiter([]byte("a;b;c\n")))
	assert.Equal(t, '\t', SniffDelimiter([]byte("a\tb")))
	assert.Equal(t, '|', SniffDelimiter([]byte("a|b|\"x,y,z\"")))
	assert.Equal(t, ',', SniffDelimiter(nil))
}

func TestReaderSemicolonAndBOM(t *testing.T) {
	r, err := NewReader(strings.NewReader("\uFEFF\"name\";\"city\"\nAda;London\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "city"}, r.Columns())

	rows := readAll(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, []interface{}{"Ada", "London"}, rows[0].Values)
}

func TestReaderExplicitDelimiter(t *testing.T) {
	r, err := NewReader(strings.NewReader("a|b;c\n1|2;3\n"), WithDelimiter(';'))
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b", "c"}, r.Columns())
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOpenRemovesFileAtEOF(t *testing.T) {
	path := writeTemp(t, "name\nAda\n")
	r, err := Open(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	readAll(t, r)
	assert.NoFileExists(t, path)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestOpenRemovesFileOnError(t *testing.T) {
	path := writeTemp(t, "a\n1,2\n")
	r, err := Open(path)
	require.NoError(t, err)

	_, err = r.Next()
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestOpenRemovesFileOnClose(t *testing.T) {
	path := writeTemp(t, "a\n1\n2\n")
	r, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.NoFileExists(t, path)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestOpenRemovesFileWithoutHeader(t *testing.T) {
	path := writeTemp(t, "")
	_, err := Open(path)
	var mErr *MalformedInputError
	require.ErrorAs(t, err, &mErr)
	assert.NoFileExists(t, path)
}

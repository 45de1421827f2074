package export

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/bringyour/datagrid/grid"
)

func TestCollect(t *testing.T) {
	ctx := context.Background()
	source := grid.NewGeneratedSource(250, 50)

	settings := DefaultCollectSettings()
	settings.RowCount = 250
	settings.ColumnPages = 5

	columnDefs, rows, err := Collect(ctx, source, settings)
	require.NoError(t, err)

	// 20 + 20 + 10 columns, after which the edge has no more columns
	assert.Equal(t, 50, len(columnDefs))
	assert.Equal(t, 250, len(rows))
	for i, row := range rows {
		assert.Equal(t, int64(i), row.Id)
		assert.Equal(t, 50, len(row.Values))
	}
	assert.Equal(t, source.Cell(249, 49), rows[249].Values["col49"])
}

func TestWriteXlsx(t *testing.T) {
	ctx := context.Background()
	source := grid.NewGeneratedSource(30, 5)

	settings := DefaultCollectSettings()
	settings.RowCount = 30
	columnDefs, rows, err := Collect(ctx, source, settings)
	require.NoError(t, err)

	b := &bytes.Buffer{}
	require.NoError(t, WriteXlsxTo(b, columnDefs, rows))

	f, err := excelize.OpenReader(b)
	require.NoError(t, err)
	defer f.Close()

	sheetRows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Equal(t, 31, len(sheetRows))
	assert.Equal(t, []string{"id", "Column 0", "Column 1", "Column 2", "Column 3", "Column 4"}, sheetRows[0])
	for r := 0; r < 30; r += 1 {
		sheetRow := sheetRows[r+1]
		assert.Equal(t, fmt.Sprintf("%d", r), sheetRow[0])
		for c := 0; c < 5; c += 1 {
			assert.Equal(t, source.Cell(r, c), sheetRow[c+1])
		}
	}

	path := filepath.Join(t.TempDir(), "grid.xlsx")
	require.NoError(t, WriteXlsx(path, columnDefs, rows[:2]))
	f2, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f2.Close()
	sheetRows, err = f2.GetRows(SheetName)
	require.NoError(t, err)
	assert.Equal(t, 3, len(sheetRows))
}

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-playground/assert/v2"
	"github.com/stretchr/testify/require"

	"github.com/bringyour/datagrid/grid"
)

func TestPad(t *testing.T) {
	assert.Equal(t, "col1"+strings.Repeat(" ", cellWidth-4), pad("col1"))

	long := pad("abcdefghijklmnopq")
	assert.Equal(t, cellWidth, utf8.RuneCountInString(long))
	assert.Equal(t, "abcdefghijk~", long)

	// multi-byte values are cut between runes
	wide := pad("日本語のテキストがとても長い")
	assert.Equal(t, true, utf8.ValidString(wide))
	assert.Equal(t, cellWidth, utf8.RuneCountInString(wide))
	assert.Equal(t, "日本語のテキストがとて~", wide)

	short := pad("é")
	assert.Equal(t, cellWidth, utf8.RuneCountInString(short))
}

func TestRelayUrl(t *testing.T) {
	u, err := relayUrl("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/relay", u)

	u, err = relayUrl("https://grid.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://grid.example.com/base/relay", u)
}

func TestTermRendererPerf(t *testing.T) {
	source := grid.NewGeneratedSource(100, 10)
	page, err := source.FetchPage(context.Background(), grid.PageRequest{
		RowPage:     0,
		ColPage:     0,
		RowsPerPage: 5,
		ColsPerPage: 10,
	})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	perf := grid.NewPerfStats()
	renderer := newTermRenderer(out, perf)
	// room for the id and three columns
	renderer.width = cellWidth + 3*(cellWidth+1)

	renderer.SetColumnDefs(page.ColumnDefs)
	renderer.DeliverRows(0, 5, page.Rows, -1)

	snapshot := perf.Snapshot()
	assert.Equal(t, 3, snapshot.ColsMounted)
	assert.Equal(t, 15, snapshot.CellsMounted)
	assert.Equal(t, 5, snapshot.RowsMounted)
	assert.Equal(t, 0, snapshot.CellsUnmounted)
	assert.Equal(t, true, strings.Contains(out.String(), "Column 2"))
	assert.Equal(t, false, strings.Contains(out.String(), "Column 3"))

	// a narrower terminal shows fewer columns, and the previous table unmounts
	renderer.width = cellWidth + 2*(cellWidth+1)
	renderer.DeliverRows(2, 4, page.Rows[2:4], -1)

	snapshot = perf.Snapshot()
	assert.Equal(t, 3, snapshot.ColsMounted)
	assert.Equal(t, 1, snapshot.ColsUnmounted)
	assert.Equal(t, 15, snapshot.CellsUnmounted)
	assert.Equal(t, 5, snapshot.RowsUnmounted)
	assert.Equal(t, 19, snapshot.CellsMounted)
	assert.Equal(t, 7, snapshot.RowsMounted)

	// placeholders are not mounted
	out.Reset()
	renderer.DeliverRows(50, 52, []*grid.Row{grid.NewLoadingRow(), grid.NewLoadingRow()}, -1)
	assert.Equal(t, "Loading rows [50, 52)...\n", out.String())
	assert.Equal(t, 19, perf.Snapshot().CellsMounted)
}

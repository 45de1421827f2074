package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGeneratedSourceDeterministic(t *testing.T) {
	ctx := context.Background()

	a := NewGeneratedSourceWithDefaults()
	b := NewGeneratedSourceWithDefaults()

	request := PageRequest{RowPage: 3, ColPage: 0, RowsPerPage: 100, ColsPerPage: 20}
	pageA, err := a.FetchPage(ctx, request)
	require.NoError(t, err)
	pageB, err := b.FetchPage(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, pageA.Rows, pageB.Rows)

	// a cell does not depend on the page it was fetched in
	wide, err := a.FetchPage(ctx, PageRequest{RowPage: 6, ColPage: 1, RowsPerPage: 50, ColsPerPage: 20})
	require.NoError(t, err)
	assert.Equal(t, 50, len(wide.Rows))
	for i, row := range wide.Rows {
		assert.Equal(t, int64(300+i), row.Id)
		assert.Equal(t, pageA.Rows[i].Values["col7"], row.Values["col7"])
		assert.Equal(t, a.Cell(300+i, 7), row.Values["col7"])
	}
}

func TestGeneratedSourceCumulativeColumns(t *testing.T) {
	ctx := context.Background()
	source := NewGeneratedSource(1000, 50)

	for colPage, expectedCols := range []int{20, 40, 50, 50} {
		page, err := source.FetchPage(ctx, PageRequest{RowPage: 0, ColPage: colPage, RowsPerPage: 10, ColsPerPage: 20})
		require.NoError(t, err)
		assert.Equal(t, expectedCols, len(page.ColumnDefs))
		for c, columnDef := range page.ColumnDefs {
			assert.Equal(t, fmt.Sprintf("col%d", c), columnDef.Field)
			assert.Equal(t, fmt.Sprintf("Column %d", c), columnDef.HeaderName)
		}
		for _, row := range page.Rows {
			assert.Equal(t, expectedCols, len(row.Values))
		}
		assert.Equal(t, 1000, page.Meta.TotalRows)
		assert.Equal(t, 50, page.Meta.TotalCols)
	}
}

func TestGeneratedSourceLastPage(t *testing.T) {
	ctx := context.Background()
	source := NewGeneratedSource(250, 10)

	page, err := source.FetchPage(ctx, PageRequest{RowPage: 2, ColPage: 0, RowsPerPage: 100, ColsPerPage: 20})
	require.NoError(t, err)
	assert.Equal(t, 50, len(page.Rows))
	assert.Equal(t, int64(249), page.Rows[49].Id)
	assert.Equal(t, 10, len(page.ColumnDefs))

	page, err = source.FetchPage(ctx, PageRequest{RowPage: 5, ColPage: 0, RowsPerPage: 100, ColsPerPage: 20})
	require.NoError(t, err)
	assert.Equal(t, 0, len(page.Rows))

	_, err = source.FetchPage(ctx, PageRequest{RowPage: 0, ColPage: 0, RowsPerPage: 0, ColsPerPage: 20})
	assert.Equal(t, true, errors.Is(err, ErrInvalidPageRequest))
}

func TestHttpSource(t *testing.T) {
	ctx := context.Background()
	generated := NewGeneratedSource(1000, 60)

	server := httptest.NewServer(NewSourceServer(generated, nil, DefaultSourceServerSettings()).Handler())
	defer server.Close()

	source := NewHttpSourceWithDefaults(server.URL)

	request := PageRequest{RowPage: 2, ColPage: 1, RowsPerPage: 25, ColsPerPage: 20}
	page, err := source.FetchPage(ctx, request)
	require.NoError(t, err)
	expected, err := generated.FetchPage(ctx, request)
	require.NoError(t, err)

	assert.Equal(t, expected.ColumnDefs, page.ColumnDefs)
	assert.Equal(t, expected.Meta, page.Meta)
	assert.Equal(t, len(expected.Rows), len(page.Rows))
	for i, row := range page.Rows {
		assert.Equal(t, expected.Rows[i].Id, row.Id)
		assert.Equal(t, expected.Rows[i].Values, row.Values)
	}

	_, err = source.FetchPage(ctx, PageRequest{RowPage: -1, ColPage: 0, RowsPerPage: 25, ColsPerPage: 20})
	assert.Equal(t, true, errors.Is(err, ErrInvalidPageRequest))
}

func TestSourceServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewRelayWithDefaults(ctx)
	defer relay.Close()

	server := httptest.NewServer(NewSourceServer(NewGeneratedSourceWithDefaults(), relay, DefaultSourceServerSettings()).Handler())
	defer server.Close()

	get := func(path string) (int, []byte) {
		r, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		return r.StatusCode, body
	}

	// defaults of the data endpoint
	status, body := get("/api/data")
	assert.Equal(t, http.StatusOK, status)
	page := &Page{}
	require.NoError(t, json.Unmarshal(body, page))
	assert.Equal(t, 50, len(page.Rows))
	assert.Equal(t, 20, len(page.ColumnDefs))
	assert.Equal(t, 50, page.Meta.RowsPerPage)
	assert.Equal(t, 20, page.Meta.ColsPerPage)

	status, _ = get("/api/data?rowPage=abc")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = get("/api/data?rowsPerPage=0")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = get("/api/data?rowsPerPage=100000")
	assert.Equal(t, http.StatusBadRequest, status)

	relay.Connect()
	status, body = get("/stats")
	assert.Equal(t, http.StatusOK, status)
	stats := map[string]int{}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats["peers"])
}

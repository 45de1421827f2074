package export

import (
	"context"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/xuri/excelize/v2"

	"github.com/bringyour/datagrid/grid"
)

const SheetName = "Sheet1"

// writes one header row, `id` then each header name, and one row per grid row
func WriteXlsx(path string, columnDefs []*grid.ColumnDef, rows []*grid.Row) error {
	f, err := newWorkbook(columnDefs, rows)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

func WriteXlsxTo(w io.Writer, columnDefs []*grid.ColumnDef, rows []*grid.Row) error {
	f, err := newWorkbook(columnDefs, rows)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Write(w)
}

func newWorkbook(columnDefs []*grid.ColumnDef, rows []*grid.Row) (*excelize.File, error) {
	f := excelize.NewFile()

	header := make([]any, 0, len(columnDefs)+1)
	header = append(header, grid.RowIdField)
	for _, columnDef := range columnDefs {
		header = append(header, columnDef.HeaderName)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}

	for i, row := range rows {
		values := make([]any, 0, len(columnDefs)+1)
		values = append(values, row.Id)
		for _, columnDef := range columnDefs {
			// missing cells are left empty
			values = append(values, row.Values[columnDef.Field])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

type CollectSettings struct {
	// rows [0, RowCount) are collected
	RowCount int
	// column pages to load, at least 1
	ColumnPages int
	Window      *grid.WindowSettings
}

func DefaultCollectSettings() *CollectSettings {
	window := grid.DefaultWindowSettings()
	// every collected block must stay in the window
	window.MaxBlocks = 0
	// the whole export is one request, clamped to the dataset once its extent is known
	window.MaxRangeRows = 0
	return &CollectSettings{
		RowCount:    1000,
		ColumnPages: 1,
		Window:      window,
	}
}

// Loads rows and columns through a window manager the same way a viewer does:
// the first block loads column page 0, and each further column page is an
// edge step from the last loaded field.
func Collect(ctx context.Context, source grid.Source, settings *CollectSettings) ([]*grid.ColumnDef, []*grid.Row, error) {
	window := grid.NewWindowManager(ctx, source, nil, nil, settings.Window)
	defer window.Close()

	_, future := window.RequestRange(0, min(settings.Window.RowsPerPage, max(1, settings.RowCount)))
	if _, err := future.Wait(ctx); err != nil {
		return nil, nil, err
	}

	for i := 1; i < settings.ColumnPages; i += 1 {
		columnPageCount, err := window.OnHorizontalEdgeReached(window.LastField()).Wait(ctx)
		if err != nil {
			return nil, nil, err
		}
		if columnPageCount <= i {
			// all columns are loaded
			break
		}
		glog.V(1).Infof("[x]column pages %d\n", columnPageCount)
	}

	if settings.RowCount <= 0 {
		return window.ColumnDefs(), []*grid.Row{}, nil
	}
	_, future = window.RequestRange(0, settings.RowCount)
	result, err := future.Wait(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]*grid.Row, 0, len(result.Rows))
	for _, row := range result.Rows {
		if !row.Loading {
			rows = append(rows, row)
		}
	}
	return window.ColumnDefs(), rows, nil
}

package grid

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// a contiguous range of rows, fetched and applied as a unit
// covers [Index * rowsPerPage, Index * rowsPerPage + len(Rows))
type RowBlock struct {
	Index   int
	ColPage int
	Rows    []*Row

	lastUse uint64
}

func (self *RowBlock) Row(rowId int64, rowsPerPage int) *Row {
	offset := int(rowId) - self.Index*rowsPerPage
	if offset < 0 || len(self.Rows) <= offset {
		return nil
	}
	return self.Rows[offset]
}

type ColumnPage struct {
	Index      int
	ColumnDefs []*ColumnDef
}

// the materialized window of one viewer session
// owned by a single `WindowManager`
type WindowState struct {
	rowsPerPage int

	// block index -> block
	blocks      map[int]*RowBlock
	columnPages []*ColumnPage
	fields      map[string]bool

	largestEndRow int
	// -1 until the first page is received
	totalRows int
	totalCols int
}

func NewWindowState(rowsPerPage int) *WindowState {
	return &WindowState{
		rowsPerPage: rowsPerPage,
		blocks:      map[int]*RowBlock{},
		columnPages: []*ColumnPage{},
		fields:      map[string]bool{},
		totalRows:   -1,
		totalCols:   -1,
	}
}

func (self *WindowState) BlockIndex(rowId int64) int {
	return int(rowId / int64(self.rowsPerPage))
}

func (self *WindowState) Block(index int) *RowBlock {
	return self.blocks[index]
}

// the loaded row for the id, or nil
func (self *WindowState) Row(rowId int64) *Row {
	if rowId < 0 {
		return nil
	}
	block, ok := self.blocks[self.BlockIndex(rowId)]
	if !ok {
		return nil
	}
	return block.Row(rowId, self.rowsPerPage)
}

func (self *WindowState) BlockIndexes() []int {
	indexes := make([]int, 0, len(self.blocks))
	for index := range self.blocks {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)
	return indexes
}

func (self *WindowState) HasField(field string) bool {
	return self.fields[field]
}

func (self *WindowState) ColumnPageCount() int {
	return len(self.columnPages)
}

// the column page set that row fetches are made for
func (self *WindowState) ColPage() int {
	return max(0, len(self.columnPages)-1)
}

func (self *WindowState) ColumnDefs() []*ColumnDef {
	columnDefs := []*ColumnDef{}
	for _, columnPage := range self.columnPages {
		for _, columnDef := range columnPage.ColumnDefs {
			c := *columnDef
			columnDefs = append(columnDefs, &c)
		}
	}
	return columnDefs
}

// the last field of the most recently loaded column page, or ""
func (self *WindowState) LastField() string {
	for i := len(self.columnPages) - 1; 0 <= i; i -= 1 {
		columnDefs := self.columnPages[i].ColumnDefs
		if 0 < len(columnDefs) {
			return columnDefs[len(columnDefs)-1].Field
		}
	}
	return ""
}

func (self *WindowState) FieldCount() int {
	return len(self.fields)
}

func (self *WindowState) learnExtents(meta PageMeta) {
	if 0 <= meta.TotalRows {
		self.totalRows = meta.TotalRows
	}
	if 0 <= meta.TotalCols {
		self.totalCols = meta.TotalCols
	}
}

// appends the column defs beyond those already loaded as a new page
// returns the new page or nil if there were no new columns
func (self *WindowState) appendColumnPage(cumulativeColumnDefs []*ColumnDef) *ColumnPage {
	newColumnDefs := []*ColumnDef{}
	for _, columnDef := range cumulativeColumnDefs {
		if self.fields[columnDef.Field] {
			continue
		}
		c := *columnDef
		newColumnDefs = append(newColumnDefs, &c)
	}
	if len(newColumnDefs) == 0 {
		return nil
	}
	columnPage := &ColumnPage{
		Index:      len(self.columnPages),
		ColumnDefs: newColumnDefs,
	}
	self.columnPages = append(self.columnPages, columnPage)
	for _, columnDef := range newColumnDefs {
		self.fields[columnDef.Field] = true
	}
	return columnPage
}

// the indexes of blocks covering [startRow, endRow) that are not present
func (self *WindowState) missingBlocks(startRow int, endRow int) []int {
	missing := []int{}
	first := startRow / self.rowsPerPage
	last := (endRow - 1) / self.rowsPerPage
	for index := first; index <= last; index += 1 {
		if 0 <= self.totalRows && self.totalRows <= index*self.rowsPerPage {
			break
		}
		if _, ok := self.blocks[index]; !ok {
			missing = append(missing, index)
		}
	}
	return missing
}

func (self *WindowState) rangeResult(startRow int, endRow int) *RangeResult {
	rowEnd := endRow
	lastRow := -1
	if 0 <= self.totalRows {
		rowEnd = clamp(endRow, startRow, self.totalRows)
		if self.totalRows <= endRow {
			lastRow = self.totalRows
		}
	}
	rows := make([]*Row, 0, rowEnd-startRow)
	for r := startRow; r < rowEnd; r += 1 {
		if row := self.Row(int64(r)); row != nil {
			rows = append(rows, row.Clone())
		} else {
			rows = append(rows, NewLoadingRow())
		}
	}
	return &RangeResult{
		StartRow: startRow,
		EndRow:   endRow,
		Rows:     rows,
		LastRow:  lastRow,
	}
}

// overwrites exactly the named cell
func (self *WindowState) ApplyUpdate(update *CellUpdate) bool {
	row := self.Row(update.RowId)
	if row == nil || row.Loading {
		return false
	}
	row.Values[update.Field] = update.Value
	return true
}

func (self *WindowState) Clone() *WindowState {
	blocks := make(map[int]*RowBlock, len(self.blocks))
	for index, block := range self.blocks {
		rows := make([]*Row, len(block.Rows))
		for i, row := range block.Rows {
			rows[i] = row.Clone()
		}
		blocks[index] = &RowBlock{
			Index:   block.Index,
			ColPage: block.ColPage,
			Rows:    rows,
			lastUse: block.lastUse,
		}
	}
	columnPages := make([]*ColumnPage, len(self.columnPages))
	for i, columnPage := range self.columnPages {
		columnDefs := make([]*ColumnDef, len(columnPage.ColumnDefs))
		for j, columnDef := range columnPage.ColumnDefs {
			c := *columnDef
			columnDefs[j] = &c
		}
		columnPages[i] = &ColumnPage{
			Index:      columnPage.Index,
			ColumnDefs: columnDefs,
		}
	}
	fields := make(map[string]bool, len(self.fields))
	for field := range self.fields {
		fields[field] = true
	}
	return &WindowState{
		rowsPerPage:   self.rowsPerPage,
		blocks:        blocks,
		columnPages:   columnPages,
		fields:        fields,
		largestEndRow: self.largestEndRow,
		totalRows:     self.totalRows,
		totalCols:     self.totalCols,
	}
}

func clamp[T constraints.Integer](v T, lo T, hi T) T {
	if v < lo {
		return lo
	}
	if hi < v {
		return max(lo, hi)
	}
	return v
}

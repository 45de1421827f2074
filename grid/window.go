package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// commands issued to the rendering widget
// calls are made in order from a single goroutine
type Renderer interface {
	SetColumnDefs(columnDefs []*ColumnDef)
	// lastRow is the total row count once the range reaches the end, else -1
	DeliverRows(startRow int, endRow int, rows []*Row, lastRow int)
	FailRows(startRow int, endRow int, err error)
	PatchCell(rowId int64, field string, value Value)
	FlashCell(rowId int64, field string)
}

type NoopRenderer struct{}

func (self *NoopRenderer) SetColumnDefs(columnDefs []*ColumnDef)                        {}
func (self *NoopRenderer) DeliverRows(startRow int, endRow int, rows []*Row, lastRow int) {}
func (self *NoopRenderer) FailRows(startRow int, endRow int, err error)                   {}
func (self *NoopRenderer) PatchCell(rowId int64, field string, value Value)               {}
func (self *NoopRenderer) FlashCell(rowId int64, field string)                            {}

type RangeResult struct {
	StartRow int
	EndRow   int
	Rows     []*Row
	LastRow  int
}

func (self *RangeResult) IsLastPage() bool {
	return 0 <= self.LastRow
}

type WindowSettings struct {
	RowsPerPage  int           `yaml:"rows_per_page"`
	ColsPerPage  int           `yaml:"cols_per_page"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// the most row blocks kept, 0 for unbounded
	MaxBlocks int `yaml:"max_blocks"`
	// the widest range one request may ask for, 0 for unbounded
	MaxRangeRows int `yaml:"max_range_rows"`
}

func DefaultWindowSettings() *WindowSettings {
	return &WindowSettings{
		RowsPerPage:  100,
		ColsPerPage:  20,
		FetchTimeout: 30 * time.Second,
		MaxBlocks:    10,
		MaxRangeRows: 10_000,
	}
}

type blockKey struct {
	index   int
	colPage int
}

type blockFetch struct {
	key     blockKey
	waiters []*rangeWaiter
}

// one outstanding range request
type rangeWaiter struct {
	startRow int
	endRow   int
	future   *Future[*RangeResult]
	// runs on the renderer goroutine after the outcome is delivered
	onDone func()

	// block fetches this waiter is registered with
	pending map[blockKey]bool
	done    bool
}

func newRangeWaiter(startRow int, endRow int) *rangeWaiter {
	return &rangeWaiter{
		startRow: startRow,
		endRow:   endRow,
		future:   NewFuture[*RangeResult](),
		pending:  map[blockKey]bool{},
	}
}

// decides what to fetch as the viewport moves and merges fetched pages into
// the window. Fetches run on their own goroutines and merge under the state lock.
// Renderer commands are queued under the state lock and run in order.
type WindowManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	source   Source
	renderer Renderer
	perf     PerfSink
	settings *WindowSettings

	stateLock   sync.Mutex
	state       *WindowState
	inFlight    map[blockKey]*blockFetch
	columnFetch *Future[int]
	// requests made while a column page fetch is in flight
	queued  []*rangeWaiter
	useTick uint64
	// futures not yet resolved, resolved with `ErrClosed` on close
	pendingWaiters map[*rangeWaiter]bool
	pendingEdges   map[*Future[int]]bool

	effectsLock   sync.Mutex
	effects       []func()
	effectsNotify chan struct{}
}

func NewWindowManager(
	ctx context.Context,
	source Source,
	renderer Renderer,
	perf PerfSink,
	settings *WindowSettings,
) *WindowManager {
	if settings.RowsPerPage <= 0 || settings.ColsPerPage <= 0 {
		panic(fmt.Errorf("Page sizes must be positive: %d, %d", settings.RowsPerPage, settings.ColsPerPage))
	}
	if renderer == nil {
		renderer = &NoopRenderer{}
	}
	if perf == nil {
		perf = NewNoopPerfSink()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	windowManager := &WindowManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		source:        source,
		renderer:      renderer,
		perf:          perf,
		settings:      settings,
		state:         NewWindowState(settings.RowsPerPage),
		inFlight:       map[blockKey]*blockFetch{},
		pendingWaiters: map[*rangeWaiter]bool{},
		pendingEdges:   map[*Future[int]]bool{},
		effectsNotify:  make(chan struct{}, 1),
	}
	go windowManager.run()
	return windowManager
}

// runs queued renderer commands in order
func (self *WindowManager) run() {
	for {
		select {
		case <-self.ctx.Done():
			self.resolvePending()
			return
		case <-self.effectsNotify:
		}

		self.effectsLock.Lock()
		effects := self.effects
		self.effects = nil
		self.effectsLock.Unlock()

		for _, effect := range effects {
			HandleError(effect)
		}
	}
}

// must be called with the state lock so that commands keep state order
func (self *WindowManager) emit(effect func()) {
	self.effectsLock.Lock()
	self.effects = append(self.effects, effect)
	self.effectsLock.Unlock()

	select {
	case self.effectsNotify <- struct{}{}:
	default:
	}
}

// Requests rows [startRow, endRow). The first return is what the renderer is
// shown immediately, either the cached rows or placeholder rows. The future
// resolves with the authoritative rows or a `*FetchError` after the renderer
// has been given the same outcome.
func (self *WindowManager) RequestRange(startRow int, endRow int) (*RangeResult, *Future[*RangeResult]) {
	if startRow < 0 || endRow <= startRow {
		err := fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, startRow, endRow)
		return nil, NewResolvedFuture[*RangeResult](nil, err)
	}
	if 0 < self.settings.MaxRangeRows && self.settings.MaxRangeRows < endRow-startRow {
		err := fmt.Errorf("%w: [%d, %d) is wider than %d rows", ErrInvalidRange, startRow, endRow, self.settings.MaxRangeRows)
		return nil, NewResolvedFuture[*RangeResult](nil, err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return nil, NewResolvedFuture[*RangeResult](nil, ErrClosed)
	}

	self.touch(startRow, endRow)

	waiter := newRangeWaiter(startRow, endRow)
	self.pendingWaiters[waiter] = true
	if len(self.state.missingBlocks(startRow, endRow)) == 0 {
		result := self.finish(waiter)
		return result, waiter.future
	}

	placeholder := placeholderResult(startRow, endRow, self.state.totalRows)
	self.emit(func() {
		self.renderer.DeliverRows(placeholder.StartRow, placeholder.EndRow, placeholder.Rows, placeholder.LastRow)
	})
	self.issue(waiter)
	return placeholder, waiter.future
}

// totalRows is -1 when not known
func placeholderResult(startRow int, endRow int, totalRows int) *RangeResult {
	rowEnd := endRow
	if 0 <= totalRows {
		rowEnd = clamp(endRow, startRow, totalRows)
	}
	rows := make([]*Row, rowEnd-startRow)
	for i := range rows {
		rows[i] = NewLoadingRow()
	}
	return &RangeResult{
		StartRow: startRow,
		EndRow:   endRow,
		Rows:     rows,
		LastRow:  -1,
	}
}

// registers the waiter with fetches for every missing block,
// or finishes it when nothing is missing
// must be called with the state lock
func (self *WindowManager) issue(waiter *rangeWaiter) {
	if waiter.done {
		return
	}
	if self.columnFetch != nil {
		self.queued = append(self.queued, waiter)
		return
	}
	missing := self.state.missingBlocks(waiter.startRow, waiter.endRow)
	if len(missing) == 0 {
		self.finish(waiter)
		return
	}
	colPage := self.state.ColPage()
	for _, index := range missing {
		key := blockKey{
			index:   index,
			colPage: colPage,
		}
		if waiter.pending[key] {
			continue
		}
		waiter.pending[key] = true
		fetch, ok := self.inFlight[key]
		if !ok {
			fetch = &blockFetch{
				key: key,
			}
			self.inFlight[key] = fetch
			go self.runBlockFetch(key)
		}
		fetch.waiters = append(fetch.waiters, waiter)
	}
}

// must be called with the state lock
func (self *WindowManager) finish(waiter *rangeWaiter) *RangeResult {
	waiter.done = true
	result := self.state.rangeResult(waiter.startRow, waiter.endRow)
	if self.state.largestEndRow < waiter.endRow {
		self.state.largestEndRow = waiter.endRow
	}
	largestEndRow := self.state.largestEndRow
	if self.ctx.Err() != nil {
		self.resolveClosed(waiter)
		return result
	}
	self.emit(func() {
		self.renderer.DeliverRows(result.StartRow, result.EndRow, result.Rows, result.LastRow)
		self.perf.RowsInMemory(largestEndRow)
		waiter.future.resolve(result, nil)
		self.untrack(waiter)
		if waiter.onDone != nil {
			waiter.onDone()
		}
	})
	return result
}

// must be called with the state lock
func (self *WindowManager) fail(waiter *rangeWaiter, err error) {
	if waiter.done {
		return
	}
	waiter.done = true
	fetchErr := &FetchError{
		StartRow: waiter.startRow,
		EndRow:   waiter.endRow,
		Err:      err,
	}
	if self.ctx.Err() != nil {
		self.resolveClosed(waiter)
		return
	}
	self.emit(func() {
		self.renderer.FailRows(fetchErr.StartRow, fetchErr.EndRow, fetchErr)
		waiter.future.resolve(nil, fetchErr)
		self.untrack(waiter)
		if waiter.onDone != nil {
			waiter.onDone()
		}
	})
}

// must be called with the state lock
func (self *WindowManager) resolveClosed(waiter *rangeWaiter) {
	waiter.done = true
	waiter.future.resolve(nil, ErrClosed)
	delete(self.pendingWaiters, waiter)
}

func (self *WindowManager) untrack(waiter *rangeWaiter) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pendingWaiters, waiter)
}

// resolves an edge future in renderer order, or now when closed
// must be called with the state lock
func (self *WindowManager) resolveEdge(future *Future[int], columnPageCount int, err error) {
	if self.ctx.Err() != nil {
		future.resolve(columnPageCount, ErrClosed)
		delete(self.pendingEdges, future)
		return
	}
	self.emit(func() {
		future.resolve(columnPageCount, err)
		self.stateLock.Lock()
		delete(self.pendingEdges, future)
		self.stateLock.Unlock()
	})
}

// every request and edge future still outstanding fails with `ErrClosed`
func (self *WindowManager) resolvePending() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for waiter := range self.pendingWaiters {
		waiter.done = true
		waiter.future.resolve(nil, ErrClosed)
	}
	clear(self.pendingWaiters)
	self.queued = nil
	columnPageCount := self.state.ColumnPageCount()
	for future := range self.pendingEdges {
		future.resolve(columnPageCount, ErrClosed)
	}
	clear(self.pendingEdges)
}

func (self *WindowManager) pageRequest(rowPage int, colPage int) PageRequest {
	return PageRequest{
		RowPage:     rowPage,
		ColPage:     colPage,
		RowsPerPage: self.settings.RowsPerPage,
		ColsPerPage: self.settings.ColsPerPage,
	}
}

func (self *WindowManager) fetchPage(request PageRequest) (*Page, error) {
	fetchCtx, cancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
	defer cancel()
	return TraceWithReturnError(fmt.Sprintf("[w]fetch %s", request), func() (*Page, error) {
		return self.source.FetchPage(fetchCtx, request)
	})
}

func (self *WindowManager) runBlockFetch(key blockKey) {
	request := self.pageRequest(key.index, key.colPage)

	var page *Page
	var err error
	if r := HandleError(func() {
		page, err = self.fetchPage(request)
	}); r != nil {
		err = fmt.Errorf("fetch panic: %v", r)
	}
	if err == nil {
		err = validateBlockPage(page, request)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fetch := self.inFlight[key]
	delete(self.inFlight, key)
	if fetch == nil {
		return
	}

	if key.colPage != self.state.ColPage() {
		// fetched for a column page set that has since grown
		// the result is not merged and the waiters are issued again for the current set
		glog.V(2).Infof("[w]stale fetch %s\n", request)
		for _, waiter := range fetch.waiters {
			delete(waiter.pending, key)
			self.issue(waiter)
		}
		return
	}

	if err != nil {
		if self.ctx.Err() == nil {
			glog.Infof("[w]fetch %s error = %s\n", request, err)
		}
		for _, waiter := range fetch.waiters {
			self.fail(waiter, err)
		}
		return
	}

	self.state.learnExtents(page.Meta)
	if self.state.ColumnPageCount() == 0 {
		self.mergeColumnPage(page.ColumnDefs)
	}

	// the block is applied as a unit
	self.useTick += 1
	self.state.blocks[key.index] = &RowBlock{
		Index:   key.index,
		ColPage: key.colPage,
		Rows:    page.Rows,
		lastUse: self.useTick,
	}
	glog.V(2).Infof("[w]merge block %d (%d rows) colPage=%d\n", key.index, len(page.Rows), key.colPage)

	for _, waiter := range fetch.waiters {
		delete(waiter.pending, key)
		if len(waiter.pending) == 0 {
			self.issue(waiter)
		}
	}

	self.evict()
}

func validateBlockPage(page *Page, request PageRequest) error {
	if page == nil {
		return fmt.Errorf("empty page for %s", request)
	}
	if request.RowsPerPage < len(page.Rows) {
		return fmt.Errorf("page has %d rows, more than %d", len(page.Rows), request.RowsPerPage)
	}
	startRow := int64(request.RowPage * request.RowsPerPage)
	for i, row := range page.Rows {
		if row == nil || row.Loading || row.Id != startRow+int64(i) {
			return fmt.Errorf("page row %d is not row %d", i, startRow+int64(i))
		}
		if row.Values == nil {
			row.Values = map[string]Value{}
		}
	}
	return nil
}

// must be called with the state lock
func (self *WindowManager) mergeColumnPage(cumulativeColumnDefs []*ColumnDef) *ColumnPage {
	columnPage := self.state.appendColumnPage(cumulativeColumnDefs)
	if columnPage == nil {
		return nil
	}
	glog.V(1).Infof("[w]column page %d (%d columns)\n", columnPage.Index, len(columnPage.ColumnDefs))
	columnDefs := self.state.ColumnDefs()
	self.emit(func() {
		self.renderer.SetColumnDefs(columnDefs)
		self.perf.ColsInMemory(len(columnDefs))
	})
	return columnPage
}

// must be called with the state lock
func (self *WindowManager) touch(startRow int, endRow int) {
	self.useTick += 1
	for _, block := range self.state.blocks {
		if self.overlaps(block.Index, startRow, endRow) {
			block.lastUse = self.useTick
		}
	}
}

func (self *WindowManager) overlaps(index int, startRow int, endRow int) bool {
	blockStart := index * self.settings.RowsPerPage
	return blockStart < endRow && startRow < blockStart+self.settings.RowsPerPage
}

// drops the least recently used blocks beyond the limit.
// Blocks covered by an outstanding request are kept.
// must be called with the state lock
func (self *WindowManager) evict() {
	if self.settings.MaxBlocks <= 0 || len(self.state.blocks) <= self.settings.MaxBlocks {
		return
	}
	pinned := self.pinnedBlocks()
	for self.settings.MaxBlocks < len(self.state.blocks) {
		var oldest *RowBlock
		for _, block := range self.state.blocks {
			if pinned[block.Index] {
				continue
			}
			if oldest == nil || block.lastUse < oldest.lastUse {
				oldest = block
			}
		}
		if oldest == nil {
			return
		}
		delete(self.state.blocks, oldest.Index)
		glog.V(2).Infof("[w]evict block %d\n", oldest.Index)
	}
}

// must be called with the state lock
func (self *WindowManager) pinnedBlocks() map[int]bool {
	pinned := map[int]bool{}
	pin := func(waiter *rangeWaiter) {
		if waiter.done {
			return
		}
		for index := range self.state.blocks {
			if self.overlaps(index, waiter.startRow, waiter.endRow) {
				pinned[index] = true
			}
		}
	}
	for _, fetch := range self.inFlight {
		for _, waiter := range fetch.waiters {
			pin(waiter)
		}
	}
	for _, waiter := range self.queued {
		pin(waiter)
	}
	return pinned
}

// Called when the last displayed column is fully scrolled into view.
// When it is the last loaded column, the next column page is fetched, merged,
// and every loaded block is invalidated and fetched again for the new column
// page set. The future resolves with the column page count once the refetch
// has been delivered.
func (self *WindowManager) OnHorizontalEdgeReached(lastDisplayedField string) *Future[int] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return NewResolvedFuture(0, ErrClosed)
	}
	if self.columnFetch != nil {
		return self.columnFetch
	}

	columnPageCount := self.state.ColumnPageCount()
	lastField := self.state.LastField()
	if lastField == "" || lastField != lastDisplayedField {
		return NewResolvedFuture(columnPageCount, nil)
	}
	if 0 <= self.state.totalCols && self.state.totalCols <= self.state.FieldCount() {
		// all columns are loaded
		return NewResolvedFuture(columnPageCount, nil)
	}

	future := NewFuture[int]()
	self.columnFetch = future
	self.pendingEdges[future] = true
	go self.runColumnFetch(columnPageCount, future)
	return future
}

func (self *WindowManager) runColumnFetch(colPage int, future *Future[int]) {
	request := self.pageRequest(0, colPage)

	var page *Page
	var err error
	if r := HandleError(func() {
		page, err = self.fetchPage(request)
	}); r != nil {
		err = fmt.Errorf("fetch panic: %v", r)
	}
	if err == nil && page == nil {
		err = fmt.Errorf("empty page for %s", request)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.columnFetch = nil
	queued := self.queued
	self.queued = nil
	defer func() {
		for _, waiter := range queued {
			self.issue(waiter)
		}
	}()

	if err != nil {
		if self.ctx.Err() == nil {
			glog.Infof("[w]column fetch %s error = %s\n", request, err)
		}
		columnPageCount := self.state.ColumnPageCount()
		fetchErr := fmt.Errorf("%w: column page %d: %w", ErrFetch, colPage, err)
		self.resolveEdge(future, columnPageCount, fetchErr)
		return
	}

	self.state.learnExtents(page.Meta)
	if self.mergeColumnPage(page.ColumnDefs) == nil {
		self.resolveEdge(future, self.state.ColumnPageCount(), nil)
		return
	}
	columnPageCount := self.state.ColumnPageCount()

	// a cached block only has values for the column pages that existed when
	// it was fetched, so every loaded block is fetched again
	indexes := self.state.BlockIndexes()
	self.state.blocks = map[int]*RowBlock{}
	glog.V(1).Infof("[w]invalidate %d blocks for column page %d\n", len(indexes), colPage)

	if len(indexes) == 0 {
		self.resolveEdge(future, columnPageCount, nil)
		return
	}

	// decremented on the renderer goroutine only
	remaining := len(indexes)
	for _, index := range indexes {
		startRow := index * self.settings.RowsPerPage
		waiter := newRangeWaiter(startRow, startRow+self.settings.RowsPerPage)
		waiter.onDone = func() {
			remaining -= 1
			if remaining == 0 {
				future.resolve(columnPageCount, nil)
				self.stateLock.Lock()
				delete(self.pendingEdges, future)
				self.stateLock.Unlock()
			}
		}
		self.pendingWaiters[waiter] = true
		self.issue(waiter)
	}
}

// applies a mutation from another viewer if the cell is loaded
func (self *WindowManager) ApplyMutation(event *MutationEvent) *CellUpdate {
	return self.applyMutation(event, true)
}

// applies an edit made by the local user, without emphasis
func (self *WindowManager) ApplyLocalEdit(event *MutationEvent) *CellUpdate {
	return self.applyMutation(event, false)
}

func (self *WindowManager) applyMutation(event *MutationEvent, remote bool) *CellUpdate {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	update := Reconcile(event, self.state)
	if update == nil {
		glog.V(2).Infof("[w]drop mutation %s\n", event)
		return nil
	}
	if !remote {
		update.Flash = false
	}
	if !self.state.ApplyUpdate(update) {
		return nil
	}
	if remote {
		self.emit(func() {
			self.renderer.PatchCell(update.RowId, update.Field, update.Value)
			if update.Flash {
				self.renderer.FlashCell(update.RowId, update.Field)
			}
		})
	}
	return update
}

// a deep copy of the current window
func (self *WindowManager) Snapshot() *WindowState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state.Clone()
}

func (self *WindowManager) ColumnDefs() []*ColumnDef {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state.ColumnDefs()
}

func (self *WindowManager) ColumnPageCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state.ColumnPageCount()
}

func (self *WindowManager) LastField() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state.LastField()
}

func (self *WindowManager) InFlightCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.inFlight)
}

func (self *WindowManager) Settings() *WindowSettings {
	return self.settings
}

// outstanding requests resolve with `ErrClosed`
func (self *WindowManager) Close() {
	self.cancel()
	self.resolvePending()
}

func (self *WindowManager) Done() <-chan struct{} {
	return self.ctx.Done()
}

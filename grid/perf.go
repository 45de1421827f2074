package grid

import (
	"sync"
)

// side channel for mount and memory counters
// the core only writes to a sink, never reads from it
type PerfSink interface {
	CellMounted(rowId int64)
	CellUnmounted(rowId int64)
	ColMounted()
	ColUnmounted()
	RowsInMemory(n int)
	ColsInMemory(n int)
}

type noopPerfSink struct{}

func NewNoopPerfSink() PerfSink {
	return &noopPerfSink{}
}

func (self *noopPerfSink) CellMounted(rowId int64)   {}
func (self *noopPerfSink) CellUnmounted(rowId int64) {}
func (self *noopPerfSink) ColMounted()               {}
func (self *noopPerfSink) ColUnmounted()             {}
func (self *noopPerfSink) RowsInMemory(n int)        {}
func (self *noopPerfSink) ColsInMemory(n int)        {}

type PerfSnapshot struct {
	CellsMounted   int `json:"cellsMounted" yaml:"cells_mounted"`
	CellsUnmounted int `json:"cellsUnmounted" yaml:"cells_unmounted"`
	RowsMounted    int `json:"rowsMounted" yaml:"rows_mounted"`
	RowsUnmounted  int `json:"rowsUnmounted" yaml:"rows_unmounted"`
	ColsMounted    int `json:"colsMounted" yaml:"cols_mounted"`
	ColsUnmounted  int `json:"colsUnmounted" yaml:"cols_unmounted"`
	RowsInMemory   int `json:"rowsInMemory" yaml:"rows_in_memory"`
	ColsInMemory   int `json:"colsInMemory" yaml:"cols_in_memory"`
}

// a row counts as mounted while at least one of its cells is mounted
type PerfStats struct {
	stateLock      sync.Mutex
	activeRowCells map[int64]int
	snapshot       PerfSnapshot
}

func NewPerfStats() *PerfStats {
	return &PerfStats{
		activeRowCells: map[int64]int{},
	}
}

func (self *PerfStats) CellMounted(rowId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.snapshot.CellsMounted += 1
	if self.activeRowCells[rowId] == 0 {
		self.snapshot.RowsMounted += 1
	}
	self.activeRowCells[rowId] += 1
}

func (self *PerfStats) CellUnmounted(rowId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.snapshot.CellsUnmounted += 1
	if count, ok := self.activeRowCells[rowId]; ok {
		if count <= 1 {
			delete(self.activeRowCells, rowId)
			self.snapshot.RowsUnmounted += 1
		} else {
			self.activeRowCells[rowId] = count - 1
		}
	}
}

func (self *PerfStats) ColMounted() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshot.ColsMounted += 1
}

func (self *PerfStats) ColUnmounted() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshot.ColsUnmounted += 1
}

func (self *PerfStats) RowsInMemory(n int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshot.RowsInMemory = n
}

func (self *PerfStats) ColsInMemory(n int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshot.ColsInMemory = n
}

func (self *PerfStats) Snapshot() PerfSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot
}

// reports mounts and unmounts for a change of displayed columns
func TrackColumns(perf PerfSink, prevFields []string, nextFields []string) {
	prev := map[string]bool{}
	for _, field := range prevFields {
		prev[field] = true
	}
	next := map[string]bool{}
	for _, field := range nextFields {
		next[field] = true
		if !prev[field] {
			perf.ColMounted()
		}
	}
	for _, field := range prevFields {
		if !next[field] {
			perf.ColUnmounted()
		}
	}
}

package grid

// a directive to patch one loaded cell
type CellUpdate struct {
	RowId int64
	Field string
	Value Value
	// mark the cell as just changed for one rendering cycle
	Flash bool
}

// Returns the update for a mutation whose cell is in the loaded window, or nil.
// Mutations for rows outside every loaded block are dropped. The row is fetched
// with current values when it is next visited.
// Applying the same mutation again overwrites with the same value.
func Reconcile(event *MutationEvent, window *WindowState) *CellUpdate {
	if event == nil || window == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		return nil
	}
	row := window.Row(event.Id)
	if row == nil || row.Loading {
		return nil
	}
	if !window.HasField(event.Field) {
		return nil
	}
	return &CellUpdate{
		RowId: event.Id,
		Field: event.Field,
		Value: normalizeValue(event.Value),
		Flash: true,
	}
}

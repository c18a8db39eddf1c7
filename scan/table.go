package scan

import "sync"

// Table holds scan data in memory, one named column per field and one
// row per completed point.  Rows are always rectangular; a point that
// did not complete contributes nothing.  A Table may be read while a
// scan appends to it.
type Table struct {
	mu    sync.RWMutex
	names []string
	index map[string]int
	rows  [][]float64
}

// NewTable returns an empty table with no columns.
func NewTable() *Table {
	return &Table{index: map[string]int{}}
}

// AddColumn declares a named column.  Redeclaring a name is a no-op.
func (t *Table) AddColumn(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[name]; ok {
		return
	}
	t.index[name] = len(t.names)
	t.names = append(t.names, name)
}

// Has reports whether the named column exists.
func (t *Table) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[name]
	return ok
}

// AppendRow adds one row.  The row must carry one value per column.
func (t *Table) AppendRow(row []float64) {
	cpy := make([]float64, len(row))
	copy(cpy, row)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, cpy)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Names returns the column names in declaration order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Row returns a copy of row i in column order.
func (t *Table) Row(i int) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]float64, len(t.rows[i]))
	copy(out, t.rows[i])
	return out
}

// Rows returns a copy of every row.
func (t *Table) Rows() [][]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]float64, len(t.rows))
	for i, row := range t.rows {
		cpy := make([]float64, len(row))
		copy(cpy, row)
		out[i] = cpy
	}
	return out
}

// Column returns a copy of the named column, or nil if it does not exist.
func (t *Table) Column(name string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.index[name]
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row[j])
	}
	return out
}

// Value returns the value at row i of the named column.
func (t *Table) Value(name string, i int) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.index[name]
	if !ok || i < 0 || i >= len(t.rows) {
		return 0, false
	}
	return t.rows[i][j], true
}

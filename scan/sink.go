package scan

import "time"

// Recorder persists scan output.  The engine declares columns and header
// metadata before the loop, pushes one row per completed point, and
// drives header/data writes according to its partial-write setting.
// Implementations buffer rows internally so a bulk write at the end of
// the scan can replay them.
type Recorder interface {
	// InsertDevice declares a positioner column.
	InsertDevice(name string)

	// InsertSignal declares a counter column.
	InsertSignal(name string)

	SetUsername(user string)
	SetCommand(cmd string)
	InsertComment(comment string)
	SetStartDate(t time.Time)
	SetEndDate(t time.Time)

	// SetDataSize declares the expected number of rows.
	SetDataSize(n int)

	// InsertRow buffers one row of values, one per declared device then
	// one per declared signal.
	InsertRow(row []float64)

	// WriteHeader writes the header block.
	WriteHeader() error

	// WriteData writes the row at idx when partial is true, or every
	// buffered row otherwise (idx is ignored then, by convention -1).
	WriteData(partial bool, idx int) error

	Close() error
}

// AxisConfig describes one plot curve.
type AxisConfig struct {
	Axis       int    `json:"axis"`
	Label      string `json:"label"`
	XLabel     string `json:"xlabel"`
	YLabel     string `json:"ylabel"`
	Grid       bool   `json:"grid"`
	LineStyle  string `json:"lineStyle"`
	LineMarker string `json:"lineMarker"`
	LineColor  string `json:"lineColor"`
}

// Plotter receives live scan points.  The engine creates its axis before
// the loop and pushes exactly one (x, y) pair per completed point.
type Plotter interface {
	CreateAxis(cfg AxisConfig)
	Plot(x, y float64, axis int)
	Clear(axis int)
}

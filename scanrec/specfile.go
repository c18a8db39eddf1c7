// Package scanrec provides the scan recorders: a PyMCA/SPEC-style column
// text file and a FITS image, both implementing the engine's Recorder
// interface, plus the auto-incrementing filename scheme shared by every
// output format.
package scanrec

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// dateLayout is the SPEC header date format.
const dateLayout = "Mon Jan 02 15:04:05 2006"

// SpecFile records scan data as a SPEC-style text file: a #-prefixed
// header block followed by one whitespace-separated line per point,
// one column per device then per signal.  Rows are buffered so the
// engine can either stream them (partial mode) or replay them all at
// the end of the scan.
type SpecFile struct {
	f        *os.File
	path     string
	user     string
	command  string
	comments []string
	start    time.Time
	end      time.Time
	datasize int
	devices  []string
	signals  []string
	rows     [][]float64
}

// NewSpecFile opens path for appending, creating it if needed.
func NewSpecFile(path string) (*SpecFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening scan file: %w", err)
	}
	return &SpecFile{f: f, path: path}, nil
}

// Path returns the file being written.
func (w *SpecFile) Path() string { return w.path }

func (w *SpecFile) InsertDevice(name string) { w.devices = append(w.devices, name) }

func (w *SpecFile) InsertSignal(name string) { w.signals = append(w.signals, name) }

func (w *SpecFile) SetUsername(user string) { w.user = user }

func (w *SpecFile) SetCommand(cmd string) { w.command = cmd }

func (w *SpecFile) InsertComment(comment string) { w.comments = append(w.comments, comment) }

func (w *SpecFile) SetStartDate(t time.Time) { w.start = t }

func (w *SpecFile) SetEndDate(t time.Time) { w.end = t }

func (w *SpecFile) SetDataSize(n int) { w.datasize = n }

func (w *SpecFile) InsertRow(row []float64) {
	cpy := make([]float64, len(row))
	copy(cpy, row)
	w.rows = append(w.rows, cpy)
}

// WriteHeader writes the header block.  The first #D line is the moment
// of writing; the second is the scan start.
func (w *SpecFile) WriteHeader() error {
	var b strings.Builder
	now := time.Now()
	fmt.Fprintf(&b, "#E %d\n", now.Unix())
	fmt.Fprintf(&b, "#D %s\n", now.Format(dateLayout))
	fmt.Fprintf(&b, "#C goscan User = %s\n", w.user)
	for i, c := range w.comments {
		fmt.Fprintf(&b, "#C%d %s\n", i, c)
	}
	fmt.Fprintf(&b, "#S 1 %s\n", w.command)
	fmt.Fprintf(&b, "#D %s\n", w.start.Format(dateLayout))
	fmt.Fprintf(&b, "#M %d\n", w.datasize)
	fmt.Fprintf(&b, "#N %d\n", len(w.devices)+len(w.signals))
	fields := make([]string, 0, len(w.devices)+len(w.signals))
	fields = append(fields, w.devices...)
	fields = append(fields, w.signals...)
	fmt.Fprintf(&b, "#L %s\n", strings.Join(fields, "  "))
	_, err := w.f.WriteString(b.String())
	return err
}

// WriteData writes the buffered row at idx when partial is true, or
// every buffered row otherwise.
func (w *SpecFile) WriteData(partial bool, idx int) error {
	if partial {
		if idx < 0 || idx >= len(w.rows) {
			return fmt.Errorf("row %d out of range, %d buffered", idx, len(w.rows))
		}
		_, err := w.f.WriteString(rowLine(w.rows[idx]) + "\n")
		return err
	}
	var b strings.Builder
	for _, row := range w.rows {
		b.WriteString(rowLine(row))
		b.WriteByte('\n')
	}
	_, err := w.f.WriteString(b.String())
	return err
}

func (w *SpecFile) Close() error { return w.f.Close() }

func rowLine(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

package scanrec

import (
	"fmt"
	"os"
	"time"

	"github.com/astrogo/fitsio"
)

// FITSFile records scan data as a FITS file whose primary HDU is a
// float64 image of shape [fields, points], with the scan metadata in
// header cards.  FITS has no append mode, so partial writes are
// deferred: rows stream into the buffer and the image is written once,
// either at the engine's bulk write or, when only partial writes
// happened, at Close.
type FITSFile struct {
	f        *os.File
	path     string
	user     string
	command  string
	comments []string
	start    time.Time
	end      time.Time
	datasize int
	fields   []string
	rows     [][]float64
	dirty    bool
	wrote    bool
}

// NewFITSFile creates path, truncating any previous content.
func NewFITSFile(path string) (*FITSFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating scan file: %w", err)
	}
	return &FITSFile{f: f, path: path}, nil
}

// Path returns the file being written.
func (w *FITSFile) Path() string { return w.path }

func (w *FITSFile) InsertDevice(name string) { w.fields = append(w.fields, name) }

func (w *FITSFile) InsertSignal(name string) { w.fields = append(w.fields, name) }

func (w *FITSFile) SetUsername(user string) { w.user = user }

func (w *FITSFile) SetCommand(cmd string) { w.command = cmd }

func (w *FITSFile) InsertComment(comment string) { w.comments = append(w.comments, comment) }

func (w *FITSFile) SetStartDate(t time.Time) { w.start = t }

func (w *FITSFile) SetEndDate(t time.Time) { w.end = t }

func (w *FITSFile) SetDataSize(n int) { w.datasize = n }

func (w *FITSFile) InsertRow(row []float64) {
	cpy := make([]float64, len(row))
	copy(cpy, row)
	w.rows = append(w.rows, cpy)
}

// WriteHeader is a no-op; FITS headers are written with the image.
func (w *FITSFile) WriteHeader() error { return nil }

// WriteData writes the whole image on a bulk write.  Partial writes only
// mark the buffer dirty so Close knows there is unwritten data.
func (w *FITSFile) WriteData(partial bool, idx int) error {
	if partial {
		w.dirty = true
		return nil
	}
	return w.flush()
}

// Close writes any rows that only saw partial writes, then closes the
// file.
func (w *FITSFile) Close() error {
	var err error
	if w.dirty && !w.wrote {
		err = w.flush()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *FITSFile) flush() error {
	if w.wrote {
		return nil
	}
	fits, err := fitsio.Create(w.f)
	if err != nil {
		return err
	}
	defer fits.Close()

	var dims []int
	if len(w.rows) > 0 && len(w.fields) > 0 {
		dims = []int{len(w.fields), len(w.rows)}
	}
	img := fitsio.NewImage(-64, dims)
	defer img.Close()

	cards := []fitsio.Card{
		{Name: "OBSERVER", Value: w.user},
		{Name: "SCANCMD", Value: w.command, Comment: "originating command"},
		{Name: "NPOINTS", Value: w.datasize, Comment: "planned number of points"},
	}
	if !w.start.IsZero() {
		cards = append(cards, fitsio.Card{Name: "DATE-OBS", Value: w.start.Format(time.RFC3339), Comment: "scan start"})
	}
	if !w.end.IsZero() {
		cards = append(cards, fitsio.Card{Name: "DATE-END", Value: w.end.Format(time.RFC3339), Comment: "scan end"})
	}
	for i, name := range w.fields {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("COL%d", i+1), Value: name})
	}
	for i, c := range w.comments {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("COMNT%d", i), Value: c})
	}
	if err := img.Header().Append(cards...); err != nil {
		return err
	}

	if dims != nil {
		buf := make([]float64, 0, len(w.rows)*len(w.fields))
		for _, row := range w.rows {
			buf = append(buf, row...)
		}
		if err := img.Write(buf); err != nil {
			return err
		}
	}
	if err := fits.Write(img); err != nil {
		return err
	}
	w.wrote = true
	return nil
}

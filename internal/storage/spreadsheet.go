package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuri/excelize/v2"
)

// ErrSpreadsheetNotFound is returned when reading a file that was never
// written.
var ErrSpreadsheetNotFound = errors.New("spreadsheet not found")

const headerColumnWidth = 16

// PathLocks hands out one mutex per absolute file path. Stores sharing a
// PathLocks serialize load/append/save on the same file.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

// For returns the mutex for path.
func (l *PathLocks) For(path string) *sync.Mutex {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[abs]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[abs] = mu
	}
	return mu
}

// SpreadsheetStore appends rows to an xlsx workbook, creating it from a
// header template on first use.
type SpreadsheetStore struct {
	path   string
	sheet  string
	header []string
	mu     *sync.Mutex
	log    *slog.Logger
}

// NewSpreadsheetStore returns a store for the workbook at path. sheet and
// header describe the template for a new file. A nil locks gives the store
// a lock of its own.
func NewSpreadsheetStore(path, sheet string, header []string, locks *PathLocks, log *slog.Logger) *SpreadsheetStore {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = NewPathLocks()
	}
	return &SpreadsheetStore{
		path:   path,
		sheet:  sheet,
		header: header,
		mu:     locks.For(path),
		log:    log,
	}
}

// Path returns the workbook location.
func (s *SpreadsheetStore) Path() string {
	return s.path
}

// Exists reports whether the workbook has been created.
func (s *SpreadsheetStore) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Append writes row after the last used row of the active sheet and
// returns its 1-based index.
func (s *SpreadsheetStore) Append(ctx context.Context, row []interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if !s.Exists() {
		if err := s.createTemplate(); err != nil {
			return 0, fmt.Errorf("failed to create spreadsheet: %w", err)
		}
		s.log.Info("Created spreadsheet", "path", s.path)
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("failed to read rows: %w", err)
	}

	next := len(rows) + 1
	cell, err := excelize.CoordinatesToCellName(1, next)
	if err != nil {
		return 0, err
	}
	if err := f.SetSheetRow(sheet, cell, &row); err != nil {
		return 0, fmt.Errorf("failed to write row: %w", err)
	}

	if err := s.write(f); err != nil {
		return 0, err
	}
	return next, nil
}

// ReadAll returns the workbook bytes. It waits for any append in progress.
func (s *SpreadsheetStore) ReadAll() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSpreadsheetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet: %w", err)
	}
	return data, nil
}

// RowCount returns the number of used rows in the active sheet, header
// included.
func (s *SpreadsheetStore) RowCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Exists() {
		return 0, ErrSpreadsheetNotFound
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(f.GetActiveSheetIndex()))
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *SpreadsheetStore) createTemplate() error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), s.sheet); err != nil {
		return err
	}
	header := make([]interface{}, len(s.header))
	for i, h := range s.header {
		header[i] = h
	}
	if err := f.SetSheetRow(s.sheet, "A1", &header); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetRowStyle(s.sheet, 1, 1, bold); err != nil {
		return err
	}
	if len(s.header) > 0 {
		last, err := excelize.ColumnNumberToName(len(s.header))
		if err != nil {
			return err
		}
		if err := f.SetColWidth(s.sheet, "A", last, headerColumnWidth); err != nil {
			return err
		}
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return s.write(f)
}

// write replaces the workbook atomically so readers never see a partial
// file.
func (s *SpreadsheetStore) write(f *excelize.File) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".spreadsheet-*.xlsx")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save spreadsheet: %w", err)
	}
	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save spreadsheet: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save spreadsheet: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to save spreadsheet: %w", err)
	}
	return nil
}

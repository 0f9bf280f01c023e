package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"MnemoEvolve/server/internal/apperr"
	"MnemoEvolve/server/internal/models"
)

// SpreadsheetSheetName is the sheet created for a new run-record workbook.
const SpreadsheetSheetName = "Evolution Data"

// MsgSpreadsheetMissing is returned by Download before the first save.
const MsgSpreadsheetMissing = "Excel file not found. Save some data first."

// mirrorTimeout bounds a mirror write.
const mirrorTimeout = 5 * time.Second

// RunMirror receives a copy of every saved record.
type RunMirror interface {
	SaveRunRecord(ctx context.Context, r *models.EvolutionRunRecord) error
}

// RunRecordStore persists run records to the spreadsheet, which is the
// source of truth, and optionally to a mirror.
type RunRecordStore struct {
	sheet  *SpreadsheetStore
	mirror RunMirror
	log    *slog.Logger
}

func NewRunRecordStore(sheet *SpreadsheetStore, mirror RunMirror, log *slog.Logger) *RunRecordStore {
	if log == nil {
		log = slog.Default()
	}
	return &RunRecordStore{sheet: sheet, mirror: mirror, log: log}
}

// Save appends r and returns its row number in the workbook.
func (s *RunRecordStore) Save(ctx context.Context, r *models.EvolutionRunRecord) (int, error) {
	row, err := s.sheet.Append(ctx, r.Row())
	if err != nil {
		return 0, apperr.Dependency(err, "")
	}

	if s.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := s.mirror.SaveRunRecord(mctx, r); err != nil {
			s.log.Warn("Failed to mirror run record", "row", row, "error", err)
		}
	}
	return row, nil
}

// Download returns the workbook bytes.
func (s *RunRecordStore) Download() ([]byte, error) {
	data, err := s.sheet.ReadAll()
	if errors.Is(err, ErrSpreadsheetNotFound) {
		return nil, apperr.NotFound(MsgSpreadsheetMissing)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "")
	}
	return data, nil
}

// FileName is the name offered to clients downloading the workbook.
func (s *RunRecordStore) FileName() string {
	return "evolution_data.xlsx"
}

package web

import (
	"net/http"
	"strconv"

	"MnemoEvolve/server/internal/models"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type runResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Row     int    `json:"row,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SaveRun appends an evolution run record to the spreadsheet
func (h *Handlers) SaveRun(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeObject(r)
	if err != nil {
		h.writeRunError(w, r, "save", err)
		return
	}

	record, err := models.NewEvolutionRunRecord(payload, h.svc.now())
	if err != nil {
		h.writeRunError(w, r, "save", err)
		return
	}

	row, err := h.svc.Runs.Save(r.Context(), record)
	if err != nil {
		h.writeRunError(w, r, "save", err)
		return
	}
	h.log.Info("Data saved", "row", row, "topic", record.Topic)

	writeJSON(w, http.StatusOK, runResponse{
		Success: true,
		Message: "Data saved successfully",
		Row:     row,
	})
}

// DownloadRuns sends the spreadsheet as an attachment
func (h *Handlers) DownloadRuns(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.Runs.Download()
	if err != nil {
		h.writeRunError(w, r, "download", err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+h.svc.Runs.FileName()+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Warn("Failed to write spreadsheet", "error", err)
	}
}

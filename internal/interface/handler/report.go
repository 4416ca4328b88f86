package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"nippo/internal/domain"
	"nippo/internal/usecase"
)

// ReportHandler は日報APIを処理
type ReportHandler struct {
	reports *usecase.ReportUseCase
	logger  domain.Logger
}

// NewReportHandler は新しいReportHandlerインスタンスを作成
func NewReportHandler(reports *usecase.ReportUseCase, logger domain.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, logger: logger}
}

// Register はルートを登録する
func (h *ReportHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reports", h.HandleIngest)
	mux.HandleFunc("GET /api/records", h.HandleList)
	mux.HandleFunc("GET /api/records/stream", h.HandleStream)
	mux.HandleFunc("GET /api/records/export", h.HandleExport)
	mux.HandleFunc("DELETE /api/records/{id}", h.HandleDelete)
	mux.HandleFunc("DELETE /api/records", h.HandleDeleteAll)
}

type ingestRequest struct {
	Text string `json:"text"`
}

// HandleIngest は日報テキストを受け取り、分類結果を保存する
func (h *ReportHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	text := string(body)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req ingestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		text = req.Text
	}

	records, err := h.reports.Ingest(r.Context(), text)
	if err != nil {
		h.writeError(w, "Ingest failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"records": records})
}

// HandleList は日付範囲のレコードを返す
func (h *ReportHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := h.reports.List(r.Context(), dr)
	if err != nil {
		h.writeError(w, "List failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// HandleStream はレコード一覧の更新を SSE で送る
func (h *ReportHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updates, err := h.reports.Subscribe(r.Context(), dr)
	if err != nil {
		h.writeError(w, "Subscribe failed", err)
		return
	}

	startSSE(w)
	for records := range updates {
		if err := writeSSE(w, "records", records); err != nil {
			return
		}
	}
}

// HandleExport はCSVを返す
func (h *ReportHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filename := fmt.Sprintf("nippo-%s.csv", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if err := h.reports.Export(r.Context(), w, dr); err != nil {
		h.logger.Error("Export failed", err, nil)
	}
}

// HandleDelete はレコードを1件削除する
func (h *ReportHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.reports.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, "Delete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteAll は全レコードを削除する
func (h *ReportHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.reports.DeleteAll(r.Context()); err != nil {
		h.writeError(w, "Delete all failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError はドメインエラーをHTTPステータスに対応させる
func (h *ReportHandler) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrEmptyReport):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCredentialMissing):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMalformedOutput):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, err, nil)
	} else {
		h.logger.Info(msg, map[string]interface{}{"error": err.Error()})
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseDateRange(r *http.Request) (domain.DateRange, error) {
	q := r.URL.Query()
	dr := domain.DateRange{From: q.Get("from"), To: q.Get("to")}
	for _, v := range []string{dr.From, dr.To} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, v); err != nil {
			return domain.DateRange{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", v)
		}
	}
	return dr, nil
}

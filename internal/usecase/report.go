package usecase

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"nippo/internal/domain"
)

// utf8BOM は表計算ソフトで文字化けさせないための BOM.
const utf8BOM = "\ufeff"

// ReportUseCase は日報の取り込みと参照を実装
type ReportUseCase struct {
	classifier domain.Classifier
	store      domain.RecordStore
	metrics    domain.MetricsCollector
	logger     domain.Logger
}

// NewReportUseCase は新しいReportUseCaseインスタンスを作成
func NewReportUseCase(
	classifier domain.Classifier,
	store domain.RecordStore,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *ReportUseCase {
	return &ReportUseCase{
		classifier: classifier,
		store:      store,
		metrics:    metrics,
		logger:     logger,
	}
}

// Ingest は日報テキストを分類し、レコードとして保存する
func (uc *ReportUseCase) Ingest(ctx context.Context, rawText string) ([]domain.Record, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, domain.ErrEmptyReport
	}

	entries, err := uc.classifier.Classify(ctx, rawText)
	if err != nil {
		uc.metrics.RecordError()
		return nil, fmt.Errorf("classify report: %w", err)
	}

	// 1件でも不正なら何も保存しない
	normalized := make([]domain.Entry, len(entries))
	for i, entry := range entries {
		entry = normalizeEntry(entry)
		if err := entry.Validate(); err != nil {
			uc.metrics.RecordError()
			return nil, fmt.Errorf("%w: entry %d: %v", domain.ErrMalformedOutput, i, err)
		}
		normalized[i] = entry
	}

	records := make([]domain.Record, 0, len(normalized))
	for _, entry := range normalized {
		rec, err := uc.store.Create(ctx, domain.Record{
			EmployeeName: entry.EmployeeName,
			Date:         entry.Date,
			Department:   entry.Department,
			Content:      entry.Content,
		})
		if err != nil {
			uc.metrics.RecordError()
			return records, fmt.Errorf("create record: %w", err)
		}
		records = append(records, rec)
	}

	uc.metrics.RecordIngest(len(records))
	uc.logger.Info("Report ingested", map[string]interface{}{
		"records": len(records),
	})
	return records, nil
}

// List は日付範囲のレコードを新しい順に返す
func (uc *ReportUseCase) List(ctx context.Context, r domain.DateRange) ([]domain.Record, error) {
	return uc.store.List(ctx, r)
}

// Subscribe はレコード一覧の更新を購読する
func (uc *ReportUseCase) Subscribe(ctx context.Context, r domain.DateRange) (<-chan []domain.Record, error) {
	return uc.store.Subscribe(ctx, r)
}

// Delete はレコードを1件削除する
func (uc *ReportUseCase) Delete(ctx context.Context, id string) error {
	if err := uc.store.Delete(ctx, id); err != nil {
		return err
	}
	uc.logger.Info("Record deleted", map[string]interface{}{"id": id})
	return nil
}

// DeleteAll は全レコードを削除する
func (uc *ReportUseCase) DeleteAll(ctx context.Context) error {
	if err := uc.store.DeleteAll(ctx); err != nil {
		return err
	}
	uc.logger.Info("All records deleted", nil)
	return nil
}

// Export は日付範囲のレコードをCSVで書き出す
func (uc *ReportUseCase) Export(ctx context.Context, w io.Writer, r domain.DateRange) error {
	records, err := uc.store.List(ctx, r)
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "department", "employee", "content", "created_at"}); err != nil {
		return err
	}
	for _, rec := range records {
		if err := cw.Write([]string{
			rec.Date,
			string(rec.Department),
			rec.EmployeeName,
			rec.Content,
			rec.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// normalizeEntry は全角英数や余分な空白を正規化する. 本文はそのまま残す.
func normalizeEntry(e domain.Entry) domain.Entry {
	name := width.Fold.String(norm.NFC.String(e.EmployeeName))
	e.EmployeeName = strings.Join(strings.Fields(name), " ")
	e.Date = strings.TrimSpace(width.Narrow.String(e.Date))
	e.Department = domain.Department(strings.ToLower(strings.TrimSpace(string(e.Department))))
	return e
}

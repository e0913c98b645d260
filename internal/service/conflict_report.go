package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/export"
)

const (
	reportPageSize = 200
	reportMaxRows  = 5000
)

var conflictReportHeaders = []string{"Conflict", "Type", "Severity", "Status", "Deal A", "Deal B", "Strategy", "Winner", "Detected", "Resolved"}

// Report renders every conflict matching the filter as CSV or PDF. Paging
// fields of the filter are ignored.
func (s *ConflictService) Report(ctx context.Context, filter models.ConflictFilter, format string) (*dto.RenderedFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	renderer, ok := s.reports[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported format %q", format))
	}

	var records []models.ConflictRecord
	filter.Limit = reportPageSize
	for filter.Offset = 0; ; filter.Offset += reportPageSize {
		page, _, err := s.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
		if len(page) < reportPageSize {
			break
		}
		if len(records) >= reportMaxRows {
			s.logger.Warn("conflict report truncated", zap.Int("rows", len(records)))
			break
		}
	}

	body, err := renderer.Render(conflictDataset(records))
	if err != nil {
		s.logger.Error("failed to render conflict report", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}
	return &dto.RenderedFile{
		Filename:    fmt.Sprintf("conflicts-%s.%s", time.Now().UTC().Format("20060102"), renderer.Extension()),
		ContentType: renderer.ContentType(),
		Body:        body,
	}, nil
}

func conflictDataset(records []models.ConflictRecord) export.Dataset {
	ds := export.Dataset{
		Title:   "Conflict report",
		Caption: []string{fmt.Sprintf("%d conflicts", len(records))},
		Headers: conflictReportHeaders,
		Rows:    make([]map[string]string, 0, len(records)),
	}
	for _, rec := range records {
		row := map[string]string{
			"Conflict": rec.ID,
			"Type":     string(rec.ConflictType),
			"Severity": string(rec.Severity),
			"Status":   string(rec.Status),
			"Deal A":   rec.DealAID,
			"Deal B":   rec.DealBID,
			"Detected": rec.DetectedAt.Format(time.RFC3339),
		}
		if rec.ResolutionStrategy != nil {
			row["Strategy"] = string(*rec.ResolutionStrategy)
		}
		if rec.WinningDealID != nil {
			row["Winner"] = *rec.WinningDealID
		}
		if rec.ResolvedAt != nil {
			row["Resolved"] = rec.ResolvedAt.Format(time.RFC3339)
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds
}

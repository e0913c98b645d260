package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/export"
)

type documentRenderer interface {
	ContentType() string
	Extension() string
	Render(data export.Dataset) ([]byte, error)
}

func defaultRenderers() map[string]documentRenderer {
	return map[string]documentRenderer{
		"csv": export.NewCSVExporter(),
		"pdf": export.NewPDFExporter(),
	}
}

type partnerReader interface {
	GetByID(ctx context.Context, id string) (*models.Partner, error)
}

var statementHeaders = []string{"Deal", "Account", "Closed", "Currency", "Value", "Rate %", "Commission"}

// CommissionStatementService renders a partner's earned commissions.
type CommissionStatementService struct {
	deals     WonDealLister
	partners  partnerReader
	renderers map[string]documentRenderer
	schedule  models.TierSchedule
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// CommissionStatementOption configures the statement service.
type CommissionStatementOption func(*CommissionStatementService)

// WithStatementTierSchedule sets the tier terms used for the MDF budget line.
func WithStatementTierSchedule(schedule models.TierSchedule) CommissionStatementOption {
	return func(s *CommissionStatementService) {
		if len(schedule) > 0 {
			s.schedule = schedule
		}
	}
}

// NewCommissionStatementService constructs the service with CSV and PDF renderers.
func NewCommissionStatementService(deals WonDealLister, partners partnerReader, logger *zap.Logger, opts ...CommissionStatementOption) *CommissionStatementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &CommissionStatementService{
		deals:     deals,
		partners:  partners,
		renderers: defaultRenderers(),
		schedule:  models.DefaultTierSchedule(),
		validator: NewValidator(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Statement lists WON deals of the partner closed in the period with their
// stored commission. The period defaults to the current calendar month.
func (s *CommissionStatementService) Statement(ctx context.Context, partnerID string, query dto.CommissionStatementQuery, actor models.Actor) (*dto.RenderedFile, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, invalidPayload(err)
	}
	if actor.Role == models.RolePartner && actor.PartnerID != partnerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "partners can only view their own statement")
	}
	format := strings.ToLower(query.Format)
	if format == "" {
		format = "csv"
	}
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported format %q", query.Format))
	}

	from, to, err := s.period(query)
	if err != nil {
		return nil, err
	}

	partner, err := s.partners.GetByID(ctx, partnerID)
	if err != nil {
		return nil, mapStoreError(err, "partner", partnerID)
	}
	deals, err := s.deals.ListWonForPartner(ctx, partnerID, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load won deals")
	}

	body, err := renderer.Render(statementDataset(partner, partner.EffectiveMDFBudget(s.schedule), deals, from, to))
	if err != nil {
		s.logger.Error("failed to render commission statement", zap.String("partner_id", partnerID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render statement")
	}
	return &dto.RenderedFile{
		Filename:    fmt.Sprintf("commission-%s-%s.%s", partnerID, from.Format("2006-01"), renderer.Extension()),
		ContentType: renderer.ContentType(),
		Body:        body,
	}, nil
}

func (s *CommissionStatementService) period(query dto.CommissionStatementQuery) (time.Time, time.Time, error) {
	now := s.now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	if query.From != "" {
		from, _ = time.Parse("2006-01-02", query.From)
	}
	if query.To != "" {
		parsed, _ := time.Parse("2006-01-02", query.To)
		// to is inclusive for callers
		to = parsed.AddDate(0, 0, 1)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	return from, to, nil
}

func statementDataset(partner *models.Partner, mdfBudget decimal.Decimal, deals []models.Deal, from, to time.Time) export.Dataset {
	ds := export.Dataset{
		Title: "Commission statement: " + partner.Name,
		Caption: []string{
			fmt.Sprintf("Partner %s (%s)", partner.ID, partner.Tier),
			fmt.Sprintf("Period %s to %s", from.Format("2006-01-02"), to.AddDate(0, 0, -1).Format("2006-01-02")),
			"MDF budget " + mdfBudget.StringFixed(2),
		},
		Headers: statementHeaders,
		Rows:    make([]map[string]string, 0, len(deals)),
		Numeric: map[string]bool{"Value": true, "Rate %": true, "Commission": true},
	}

	totalValue, totalCommission := decimal.Zero, decimal.Zero
	for _, d := range deals {
		rate, amount := decimal.Zero, decimal.Zero
		if d.CommissionRate != nil {
			rate = *d.CommissionRate
		}
		if d.CommissionAmount != nil {
			amount = *d.CommissionAmount
		}
		closed := ""
		if d.ClosedAt != nil {
			closed = d.ClosedAt.Format("2006-01-02")
		}
		ds.Rows = append(ds.Rows, map[string]string{
			"Deal":       d.ID,
			"Account":    d.AccountName,
			"Closed":     closed,
			"Currency":   d.Currency,
			"Value":      d.DealValue.StringFixed(2),
			"Rate %":     rate.String(),
			"Commission": amount.StringFixed(2),
		})
		totalValue = totalValue.Add(d.DealValue)
		totalCommission = totalCommission.Add(amount)
	}
	ds.Totals = map[string]string{
		"Deal":       "Total",
		"Value":      totalValue.StringFixed(2),
		"Commission": totalCommission.StringFixed(2),
	}
	return ds
}

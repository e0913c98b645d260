package service

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

// NewValidator returns a validator with the engine's enum tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("deal_stage", func(fl validator.FieldLevel) bool {
		return models.DealStage(strings.ToUpper(fl.Field().String())).Valid()
	})
	_ = v.RegisterValidation("risk_level", func(fl validator.FieldLevel) bool {
		return models.RiskLevel(strings.ToUpper(fl.Field().String())).Valid()
	})
	_ = v.RegisterValidation("gate_decision", func(fl validator.FieldLevel) bool {
		d := models.GateDecision(strings.ToUpper(fl.Field().String()))
		return d == models.DecisionApproved || d == models.DecisionRejected
	})
	return v
}

// invalidPayload converts validator output into a ValidationError naming the failing fields.
func invalidPayload(err error) error {
	e := appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		e.Details = make(map[string]interface{}, len(fieldErrs))
		for _, fe := range fieldErrs {
			e.Details[fe.Field()] = fe.Tag()
		}
	}
	return e
}

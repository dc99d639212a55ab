package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/riskgate/internal/domain"
)

// Client вызов одной модели. Реализации обязаны уважать дедлайн ctx.
type Client interface {
	Score(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (float64, error)
}

// ThrottleError модель попросила притормозить.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// Features вектор признаков, который уходит в модель (и в отчет explainability).
func Features(s *domain.Scorer, tx *domain.Transaction) map[string]any {
	submitted := tx.SubmittedAt.UTC()
	f := map[string]any{
		"scorer_id":          s.ID,
		"model_family":       s.Family,
		"model_version":      s.Version,
		"transaction_id":     tx.ID,
		"user_id":            tx.UserID,
		"amount":             tx.Amount.InexactFloat64(),
		"currency":           tx.Currency,
		"ip_address":         tx.IPAddress,
		"device_fingerprint": tx.DeviceFingerprint,
		"billing_country":    tx.BillingCountry,
		"email_domain":       tx.EmailDomain(),
		"submitted_at":       submitted.Format(time.RFC3339),
		"hour_of_day":        submitted.Hour(),
	}
	return f
}

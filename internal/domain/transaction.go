package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction запрос на оценку риска. После создания не меняется.
type Transaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	IPAddress         string          `json:"ip_address"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Email             string          `json:"email,omitempty"`
	BillingCountry    string          `json:"billing_country,omitempty"` // ISO-3166 alpha-2
	SubmittedAt       time.Time       `json:"submitted_at"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate проверяет обязательные поля запроса.
func (t *Transaction) Validate() error {
	switch {
	case t.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidTransaction)
	case !t.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	case t.IPAddress == "":
		return fmt.Errorf("%w: ip_address is required", ErrInvalidTransaction)
	case t.DeviceFingerprint == "":
		return fmt.Errorf("%w: device_fingerprint is required", ErrInvalidTransaction)
	}
	return nil
}

// BucketKey стабильный ключ для детерминированной маршрутизации между вариантами.
// Связанные транзакции одного пользователя всегда попадают в один бакет.
func (t *Transaction) BucketKey() string {
	return t.UserID
}

// EmailDomain возвращает домен почты в нижнем регистре.
func (t *Transaction) EmailDomain() string {
	at := strings.LastIndexByte(t.Email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(t.Email[at+1:])
}

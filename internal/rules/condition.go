package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/riskgate/internal/domain"
)

// VelocityReader только чтение счетчика скорости. Правила не меняют общее состояние.
type VelocityReader interface {
	Count(userID string, window time.Duration, now time.Time) int
}

// Input все, что нужно правилам для оценки одной транзакции.
type Input struct {
	Tx        *domain.Transaction
	IPCountry string // страна по IP, резолвится до оценки
	Velocity  VelocityReader
}

// compiledRule правило с заранее подготовленным множеством для membership.
type compiledRule struct {
	rule domain.Rule
	set  map[string]struct{}
}

func compile(r domain.Rule) (compiledRule, error) {
	if err := r.Validate(); err != nil {
		return compiledRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	cr := compiledRule{rule: r}
	if r.Condition.Kind == domain.ConditionMembership {
		cr.set = make(map[string]struct{}, len(r.Condition.Values))
		for _, v := range r.Condition.Values {
			cr.set[normalize(r.Condition.Field, v)] = struct{}{}
		}
	}
	return cr, nil
}

func (cr compiledRule) matches(in Input) (bool, map[string]any) {
	c := cr.rule.Condition
	tx := in.Tx
	switch c.Kind {
	case domain.ConditionThreshold:
		var actual decimal.Decimal
		switch c.Field {
		case domain.FieldAmount:
			actual = tx.Amount
		case domain.FieldHourOfDay:
			actual = decimal.NewFromInt(int64(tx.SubmittedAt.UTC().Hour()))
		}
		return compare(actual, c.Op, c.Value), map[string]any{"field": c.Field, "actual": actual.String()}

	case domain.ConditionMembership:
		value := normalize(c.Field, fieldValue(c.Field, in))
		_, found := cr.set[value]
		if c.Negate {
			found = !found
		}
		return found, map[string]any{"field": c.Field, "value": value}

	case domain.ConditionGeoMismatch:
		// Без обеих стран сравнивать нечего
		if in.IPCountry == "" || tx.BillingCountry == "" {
			return false, nil
		}
		mismatch := !strings.EqualFold(in.IPCountry, tx.BillingCountry)
		return mismatch, map[string]any{"ip_country": in.IPCountry, "billing_country": tx.BillingCountry}

	case domain.ConditionVelocity:
		if in.Velocity == nil {
			return false, nil
		}
		// +1 = текущая транзакция
		count := in.Velocity.Count(tx.UserID, c.Window(), tx.SubmittedAt) + 1
		return count > c.Limit, map[string]any{"count": count, "window_sec": c.WindowSec, "limit": c.Limit}
	}
	return false, nil
}

func compare(actual decimal.Decimal, op domain.CompareOp, expected decimal.Decimal) bool {
	cmp := actual.Cmp(expected)
	switch op {
	case domain.OpGT:
		return cmp > 0
	case domain.OpGTE:
		return cmp >= 0
	case domain.OpLT:
		return cmp < 0
	case domain.OpLTE:
		return cmp <= 0
	case domain.OpEQ:
		return cmp == 0
	}
	return false
}

func fieldValue(field string, in Input) string {
	switch field {
	case domain.FieldIP:
		return in.Tx.IPAddress
	case domain.FieldDeviceFingerprint:
		return in.Tx.DeviceFingerprint
	case domain.FieldUserID:
		return in.Tx.UserID
	case domain.FieldBillingCountry:
		return in.Tx.BillingCountry
	case domain.FieldIPCountry:
		return in.IPCountry
	case domain.FieldEmailDomain:
		return in.Tx.EmailDomain()
	}
	return ""
}

// normalize страны и домены сравниваем без учета регистра, остальное как есть.
func normalize(field, v string) string {
	switch field {
	case domain.FieldBillingCountry, domain.FieldIPCountry, domain.FieldEmailDomain:
		return strings.ToLower(strings.TrimSpace(v))
	}
	return strings.TrimSpace(v)
}

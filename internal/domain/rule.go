package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRuleFamily семейство правил, которое используется вне A/B тестов.
const DefaultRuleFamily = "default"

// ConditionKind закрытый набор видов условий. Никакого интерпретатора выражений.
type ConditionKind string

const (
	ConditionThreshold   ConditionKind = "threshold"    // сравнение числового поля
	ConditionMembership  ConditionKind = "membership"   // значение поля в множестве
	ConditionGeoMismatch ConditionKind = "geo_mismatch" // страна по IP != страна биллинга
	ConditionVelocity    ConditionKind = "velocity"     // больше N транзакций за окно
)

type CompareOp string

const (
	OpGT  CompareOp = "gt"
	OpGTE CompareOp = "gte"
	OpLT  CompareOp = "lt"
	OpLTE CompareOp = "lte"
	OpEQ  CompareOp = "eq"
)

// Поля, к которым применяются условия
const (
	FieldAmount            = "amount"
	FieldHourOfDay         = "hour_of_day"
	FieldIP                = "ip"
	FieldDeviceFingerprint = "device_fingerprint"
	FieldUserID            = "user_id"
	FieldBillingCountry    = "billing_country"
	FieldIPCountry         = "ip_country"
	FieldEmailDomain       = "email_domain"
)

var (
	thresholdFields  = map[string]bool{FieldAmount: true, FieldHourOfDay: true}
	membershipFields = map[string]bool{
		FieldIP: true, FieldDeviceFingerprint: true, FieldUserID: true,
		FieldBillingCountry: true, FieldIPCountry: true, FieldEmailDomain: true,
	}
	compareOps = map[CompareOp]bool{OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpEQ: true}
)

// Condition tagged-variant условия правила. Какие поля значимы, определяет Kind.
type Condition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	// threshold
	Field string          `json:"field,omitempty" yaml:"field,omitempty"`
	Op    CompareOp       `json:"op,omitempty" yaml:"op,omitempty"`
	Value decimal.Decimal `json:"value" yaml:"value"`

	// membership
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Negate bool     `json:"negate,omitempty" yaml:"negate,omitempty"`

	// velocity
	WindowSec int `json:"window_sec,omitempty" yaml:"window_sec,omitempty"`
	Limit     int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Window окно подсчета для velocity.
func (c Condition) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// Validate отбрасывает неизвестные виды, поля и операторы.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionThreshold:
		if !thresholdFields[c.Field] {
			return fmt.Errorf("%w: threshold field %q", ErrInvalidRule, c.Field)
		}
		if !compareOps[c.Op] {
			return fmt.Errorf("%w: compare op %q", ErrInvalidRule, c.Op)
		}
	case ConditionMembership:
		if !membershipFields[c.Field] {
			return fmt.Errorf("%w: membership field %q", ErrInvalidRule, c.Field)
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("%w: membership set is empty", ErrInvalidRule)
		}
	case ConditionGeoMismatch:
	case ConditionVelocity:
		if c.WindowSec <= 0 || c.Limit <= 0 {
			return fmt.Errorf("%w: velocity needs positive window_sec and limit", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown condition kind %q", ErrInvalidRule, c.Kind)
	}
	return nil
}

// Rule правило скоринга. Вклад аддитивный, несколько правил могут сработать на одной транзакции.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Family      string    `json:"family" yaml:"family"`
	Priority    int       `json:"priority" yaml:"priority"` // меньше = раньше
	Active      bool      `json:"active" yaml:"active"`
	Condition   Condition `json:"condition" yaml:"condition"`
	Score       float64   `json:"risk_score_addition" yaml:"risk_score_addition"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate проверяет правило перед сохранением.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.Family == "" {
		r.Family = DefaultRuleFamily
	}
	return r.Condition.Validate()
}

package domain

import (
	"fmt"
	"time"
)

type DeploymentStatus string

const (
	DeployDevelopment DeploymentStatus = "development"
	DeployStaging     DeploymentStatus = "staging"
	DeployCanary      DeploymentStatus = "canary"
	DeployProduction  DeploymentStatus = "production"
	DeployRetired     DeploymentStatus = "retired"
)

// lifecycle допустимые переходы статуса развертывания. Из retired выхода нет.
var lifecycle = map[DeploymentStatus][]DeploymentStatus{
	DeployDevelopment: {DeployStaging, DeployRetired},
	DeployStaging:     {DeployCanary, DeployProduction, DeployRetired},
	DeployCanary:      {DeployProduction, DeployStaging, DeployRetired},
	DeployProduction:  {DeployRetired},
}

// QualityMetrics метрики качества на момент обучения.
type QualityMetrics struct {
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1" yaml:"f1"`
}

// Scorer развертываемый артефакт модели скоринга.
type Scorer struct {
	ID       string           `json:"id" yaml:"id"`
	Family   string           `json:"model_family" yaml:"model_family"`
	Version  string           `json:"version" yaml:"version"`
	Endpoint string           `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // gRPC target; пусто = общий
	Status   DeploymentStatus `json:"deployment_status" yaml:"deployment_status"`
	Metrics  QualityMetrics   `json:"metrics" yaml:"metrics"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// CanTransitionTo проверяет правила жизненного цикла скорера
func (s *Scorer) CanTransitionTo(next DeploymentStatus) error {
	for _, allowed := range lifecycle[s.Status] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: scorer %s %s -> %s", ErrInvalidTransition, s.ID, s.Status, next)
}

// StatusTransition одна CAS-операция над статусом скорера: применяется, только если статус все еще From.
type StatusTransition struct {
	ScorerID string
	From     DeploymentStatus
	To       DeploymentStatus
	At       time.Time
}

package analytics

import "machine-monitor/internal/models"

// HealthPolicy пороги доли аномалий для статуса машины, в процентах
type HealthPolicy struct {
	WarningPercent  float64
	CriticalPercent float64
}

// DefaultHealthPolicy 10% / 20%, как в исходном дашборде
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{WarningPercent: 10, CriticalPercent: 20}
}

// Classify переводит долю аномалий в статус
func (p HealthPolicy) Classify(result models.AnomalyResult) string {
	switch {
	case result.AnomalyPercentage >= p.CriticalPercent:
		return models.HealthCritical
	case result.AnomalyPercentage >= p.WarningPercent:
		return models.HealthWarning
	default:
		return models.HealthHealthy
	}
}

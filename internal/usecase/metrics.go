package usecase

import "context"

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageConfidence  float64 `json:"average_confidence"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrStorageDisabled
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageConfidence:  aggregation.AverageConfidence,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

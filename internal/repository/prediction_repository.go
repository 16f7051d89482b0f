package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leaf-check/internal/logging"
)

// ErrNotFound is returned when no prediction log matches a lookup.
var ErrNotFound = errors.New("prediction log not found")

// PredictionLog is the audit record written for every /predict request.
type PredictionLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Stage      string    `gorm:"column:stage;size:32"`
	Success    bool      `gorm:"column:success"`
	ClassIndex int       `gorm:"column:class_index"`
	Label      string    `gorm:"column:label;size:128"`
	Confidence float64   `gorm:"column:confidence"`
	GreenRatio float64   `gorm:"column:green_ratio"`
	Error      string    `gorm:"column:error;type:text"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs  float64   `gorm:"column:latency_ms"`
	Model      string    `gorm:"column:model_version;size:64"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// MetricsAggregation holds totals computed over all prediction logs.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// PredictionRepository persists prediction logs through gorm.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&PredictionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(AVG(CASE WHEN success THEN confidence END), 0) AS average_confidence,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}

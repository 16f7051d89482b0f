package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/leaf-check/internal/classifier"
	"github.com/example/leaf-check/internal/events"
	"github.com/example/leaf-check/internal/leafgate"
	"github.com/example/leaf-check/internal/logging"
	"github.com/example/leaf-check/internal/metrics"
	"github.com/example/leaf-check/internal/preprocess"
	"github.com/example/leaf-check/internal/repository"
)

// Stage is a step of the prediction state machine.
type Stage string

const (
	StageReceived     Stage = "received"
	StageDecoded      Stage = "decoded"
	StageGated        Stage = "gated"
	StagePreprocessed Stage = "preprocessed"
	StageScored       Stage = "scored"
	StageResponded    Stage = "responded"
	StageRejected     Stage = "rejected"
)

// ConfidencePrecision is the number of decimal places reported for confidence.
const ConfidencePrecision = 3

// probabilityTolerance absorbs float32 rounding in softmax outputs.
const probabilityTolerance = 1e-4

var (
	// ErrDecode marks uploads that are not a decodable image.
	ErrDecode = preprocess.ErrDecode
	// ErrInference marks classifier failures, including malformed outputs.
	ErrInference = errors.New("inference failed")
	// ErrInferenceTimeout marks classifier calls that exceeded the time budget.
	ErrInferenceTimeout = errors.New("inference timed out")
	// ErrResultNotFound is returned by GetResult for unknown request ids.
	ErrResultNotFound = errors.New("result not found")
	// ErrStorageDisabled is returned by lookups when no repository is configured.
	ErrStorageDisabled = errors.New("prediction storage is disabled")
)

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// PredictionResult is what the caller receives for one upload.
// Success is false when the leaf gate rejected the image; Error then holds the reason.
type PredictionResult struct {
	RequestID  string
	Success    bool
	ClassIndex int
	Label      string
	Confidence float64
	GreenRatio float64
	Error      string
	Stage      Stage
}

// Options tunes the pipeline.
type Options struct {
	GateEnabled bool
	// GateThreshold is ignored when GateEnabled is false.
	GateThreshold    float64
	ImageSize        int
	InferenceTimeout time.Duration
	MaxConcurrent    int64
	ModelVersion     string
	ResultTTL        time.Duration
}

// Option wires an optional collaborator into the use case.
type Option func(*PredictionUseCase)

func WithRepository(repo PredictionRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = repo }
}

func WithCache(cache Cache) Option {
	return func(uc *PredictionUseCase) { uc.cache = cache }
}

func WithPublisher(p events.Publisher) Option {
	return func(uc *PredictionUseCase) { uc.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(uc *PredictionUseCase) { uc.metrics = m }
}

// PredictionUseCase runs uploads through decode, leaf gate, preprocessing and the classifier.
// It holds no per-request state and is safe for concurrent use.
type PredictionUseCase struct {
	classifier   classifier.Classifier
	preprocessor *preprocess.Preprocessor
	gate         *leafgate.Gate
	labels       []string
	opts         Options
	sem          *semaphore.Weighted

	repo      PredictionRepository
	cache     Cache
	publisher events.Publisher
	metrics   *metrics.Metrics

	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	newRequestID   func() string
	now            func() time.Time
}

// NewPredictionUseCase constructs the pipeline around a loaded classifier.
func NewPredictionUseCase(clf classifier.Classifier, labels []string, opts Options, logger *zap.Logger, options ...Option) *PredictionUseCase {
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 10 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}

	uc := &PredictionUseCase{
		classifier:     clf,
		preprocessor:   preprocess.New(opts.ImageSize),
		labels:         append([]string(nil), labels...),
		opts:           opts,
		sem:            semaphore.NewWeighted(opts.MaxConcurrent),
		logger:         logger.Named("prediction_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		newRequestID:   uuid.NewString,
		now:            time.Now,
	}
	if opts.GateEnabled {
		uc.gate = leafgate.New(opts.GateThreshold)
	}
	for _, opt := range options {
		opt(uc)
	}
	return uc
}

// Labels returns the class labels in index order.
func (uc *PredictionUseCase) Labels() []string {
	return append([]string(nil), uc.labels...)
}

// GateEnabled reports whether uploads pass through the leaf gate.
func (uc *PredictionUseCase) GateEnabled() bool {
	return uc.gate != nil
}

// Predict classifies one upload. The request id is returned in every case.
// A leaf-gate rejection is a successful call with result.Success == false. Errors wrap
// ErrDecode, ErrInference or ErrInferenceTimeout.
func (uc *PredictionUseCase) Predict(ctx context.Context, upload []byte) (string, *PredictionResult, error) {
	requestID := uc.newRequestID()
	start := uc.now()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	hash := sha1.Sum(upload)
	rec := &record{hash: hex.EncodeToString(hash[:]), start: start}
	res := &PredictionResult{RequestID: requestID, Stage: StageReceived}

	img, err := preprocess.Decode(upload)
	if err != nil {
		res.Stage = StageRejected
		res.Error = "uploaded file is not a valid image"
		opLogger.Info("upload rejected", zap.Error(err), zap.Int("bytes", len(upload)))
		uc.finish(ctx, res, rec, metrics.OutcomeDecodeError)
		return requestID, nil, logging.NewOperationError("usecase.decode", requestID, err)
	}
	res.Stage = StageDecoded
	opLogger.Debug("image decoded", zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))

	if uc.gate != nil {
		verdict := uc.gate.Evaluate(img)
		res.GreenRatio = verdict.GreenRatio
		if uc.metrics != nil {
			uc.metrics.ObserveGreenRatio(verdict.GreenRatio)
		}
		if !verdict.IsLeaf {
			res.Stage = StageRejected
			res.Error = verdict.Reason
			opLogger.Info("leaf gate rejected upload", zap.Float64("green_ratio", verdict.GreenRatio))
			uc.finish(ctx, res, rec, metrics.OutcomeRejected)
			return requestID, res, nil
		}
		res.Stage = StageGated
	}

	tensor, err := uc.preprocessor.Preprocess(img)
	if err != nil {
		res.Stage = StageRejected
		res.Error = "uploaded file is not a valid image"
		uc.finish(ctx, res, rec, metrics.OutcomeDecodeError)
		return requestID, nil, logging.NewOperationError("usecase.preprocess", requestID, err)
	}
	res.Stage = StagePreprocessed

	probs, err := uc.classify(ctx, tensor)
	if err == nil {
		res.ClassIndex, res.Confidence, err = selectPrediction(probs, len(uc.labels))
	}
	if err != nil {
		outcome := metrics.OutcomeInferenceError
		if errors.Is(err, ErrInferenceTimeout) {
			outcome = metrics.OutcomeTimeout
		}
		res.Error = err.Error()
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		uc.finish(ctx, res, rec, outcome)
		return requestID, nil, wrapped
	}
	res.Stage = StageScored
	res.Label = uc.labels[res.ClassIndex]

	res.Success = true
	res.Stage = StageResponded
	opLogger.Info("prediction complete",
		zap.Int("class_index", res.ClassIndex),
		zap.String("label", res.Label),
		zap.Float64("confidence", res.Confidence),
	)
	uc.finish(ctx, res, rec, metrics.OutcomeSuccess)
	return requestID, res, nil
}

// classify runs the classifier under the concurrency limit and the time budget.
// The runtime call itself may not be interruptible, so it runs on its own goroutine
// and keeps its semaphore slot until it actually returns.
func (uc *PredictionUseCase) classify(ctx context.Context, tensor *preprocess.Tensor) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.opts.InferenceTimeout)
	defer cancel()

	if err := uc.sem.Acquire(ctx, 1); err != nil {
		return nil, budgetError(ctx, err)
	}

	type outcome struct {
		probs []float32
		err   error
	}
	done := make(chan outcome, 1)
	start := uc.now()
	go func() {
		defer uc.sem.Release(1)
		probs, err := uc.classifier.Predict(ctx, tensor)
		done <- outcome{probs: probs, err: err}
	}()

	select {
	case out := <-done:
		if uc.metrics != nil {
			uc.metrics.ObserveInference(uc.now().Sub(start))
		}
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, budgetError(ctx, out.err)
			}
			return nil, fmt.Errorf("%w: %v", ErrInference, out.err)
		}
		return out.probs, nil
	case <-ctx.Done():
		return nil, budgetError(ctx, ctx.Err())
	}
}

func budgetError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrInference, err)
}

// selectPrediction picks the arg-max class. Ties go to the lowest index. The confidence is
// the winning probability rounded to ConfidencePrecision places.
func selectPrediction(probs []float32, numClasses int) (int, float64, error) {
	if len(probs) == 0 {
		return 0, 0, fmt.Errorf("%w: classifier returned no scores", ErrInference)
	}
	if len(probs) != numClasses {
		return 0, 0, fmt.Errorf("%w: classifier returned %d scores for %d classes", ErrInference, len(probs), numClasses)
	}

	best := 0
	for i, p := range probs {
		v := float64(p)
		if math.IsNaN(v) || v < -probabilityTolerance || v > 1+probabilityTolerance {
			return 0, 0, fmt.Errorf("%w: score %v at index %d is not a probability", ErrInference, p, i)
		}
		if p > probs[best] {
			best = i
		}
	}
	return best, RoundConfidence(float64(probs[best])), nil
}

// RoundConfidence clamps p to [0,1] and rounds it to ConfidencePrecision places.
func RoundConfidence(p float64) float64 {
	p = math.Min(1, math.Max(0, p))
	scale := math.Pow10(ConfidencePrecision)
	return math.Round(p*scale) / scale
}

type record struct {
	hash  string
	start time.Time
}

type cachedPrediction struct {
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	Success    bool      `json:"success"`
	ClassIndex int       `json:"class_index"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	GreenRatio float64   `json:"green_ratio"`
	Error      string    `json:"error"`
	Hash       string    `json:"sha1_hash"`
	LatencyMs  float64   `json:"latency_ms"`
	Model      string    `json:"model_version"`
	CreatedAt  time.Time `json:"created_at"`
}

// finish records the outcome of a request. Storage, cache and event failures are logged and
// never change the response already decided for the caller.
func (uc *PredictionUseCase) finish(ctx context.Context, res *PredictionResult, rec *record, outcome string) {
	if uc.metrics != nil {
		uc.metrics.ObservePrediction(outcome)
	}
	if uc.repo == nil && uc.cache == nil && uc.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	opLogger := logging.WithOperation(uc.logger, "usecase.finish", res.RequestID)
	now := uc.now().UTC()
	log := &repository.PredictionLog{
		RequestID:  res.RequestID,
		Stage:      string(res.Stage),
		Success:    res.Success,
		ClassIndex: res.ClassIndex,
		Label:      res.Label,
		Confidence: res.Confidence,
		GreenRatio: res.GreenRatio,
		Error:      res.Error,
		SHA1Hash:   rec.hash,
		LatencyMs:  float64(now.Sub(rec.start.UTC())) / float64(time.Millisecond),
		Model:      uc.opts.ModelVersion,
		CreatedAt:  now,
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist prediction log", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(toCached(log))
		if err != nil {
			opLogger.Error("failed to serialize prediction result", zap.Error(err))
		} else if err := uc.withRedisRetry(ctx, res.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, resultCacheKey(res.RequestID), string(serialized), uc.opts.ResultTTL)
		}); err != nil {
			opLogger.Error("failed to cache prediction result", zap.Error(err))
		}
	}

	if uc.publisher != nil {
		event := events.PredictionEvent{
			RequestID:    log.RequestID,
			Stage:        log.Stage,
			Success:      log.Success,
			ClassIndex:   log.ClassIndex,
			Label:        log.Label,
			Confidence:   log.Confidence,
			Error:        log.Error,
			SHA1Hash:     log.SHA1Hash,
			ModelVersion: log.Model,
			CreatedAt:    log.CreatedAt,
		}
		if err := uc.publisher.Publish(ctx, event); err != nil {
			opLogger.Warn("failed to publish prediction event", zap.Error(err))
		}
	}
}

func toCached(log *repository.PredictionLog) cachedPrediction {
	return cachedPrediction{
		RequestID:  log.RequestID,
		Stage:      log.Stage,
		Success:    log.Success,
		ClassIndex: log.ClassIndex,
		Label:      log.Label,
		Confidence: log.Confidence,
		GreenRatio: log.GreenRatio,
		Error:      log.Error,
		Hash:       log.SHA1Hash,
		LatencyMs:  log.LatencyMs,
		Model:      log.Model,
		CreatedAt:  log.CreatedAt,
	}
}

func (c cachedPrediction) toLog() *repository.PredictionLog {
	return &repository.PredictionLog{
		RequestID:  c.RequestID,
		Stage:      c.Stage,
		Success:    c.Success,
		ClassIndex: c.ClassIndex,
		Label:      c.Label,
		Confidence: c.Confidence,
		GreenRatio: c.GreenRatio,
		Error:      c.Error,
		SHA1Hash:   c.Hash,
		LatencyMs:  c.LatencyMs,
		Model:      c.Model,
		CreatedAt:  c.CreatedAt,
	}
}

// GetResult returns the recorded outcome of a past request, from cache first, then storage.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultCacheKey(requestID))
		if err == nil {
			var payload cachedPrediction
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return payload.toLog(), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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

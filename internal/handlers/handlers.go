package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/leaf-check/internal/config"
	"github.com/example/leaf-check/internal/logging"
	"github.com/example/leaf-check/internal/metrics"
	"github.com/example/leaf-check/internal/usecase"
)

// MaxUploadSize caps the size of an uploaded image in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead is the allowance for boundaries and part headers on top of MaxUploadSize.
const multipartOverhead = 64 << 10

// lookupTimeout bounds the storage-backed read endpoints.
const lookupTimeout = 5 * time.Second

var uploadFields = []string{"file", "image"}

type handler struct {
	uc     *usecase.PredictionUseCase
	schema string
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. m may be nil.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase, schema string, m *metrics.Metrics, logger *zap.Logger) {
	h := &handler{uc: uc, schema: schema, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/predict", h.predict)
	router.GET("/labels", h.labels)

	lookups := router.Group("/", Timeout(lookupTimeout))
	lookups.GET("/result/:id", h.result)
	lookups.GET("/metrics/summary", h.metricsSummary)

	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
}

func (h *handler) predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := uploadedFile(c)
	if err != nil {
		if isTooLarge(err) {
			h.renderError(c, http.StatusRequestEntityTooLarge, "image exceeds the maximum upload size")
			return
		}
		h.renderError(c, http.StatusBadRequest, "image file is required")
		return
	}

	if file.Size > MaxUploadSize {
		h.renderError(c, http.StatusRequestEntityTooLarge, "image exceeds the maximum upload size")
		return
	}

	if !acceptedContentType(file.Header.Get("Content-Type")) {
		h.renderError(c, http.StatusUnsupportedMediaType, "unsupported content type")
		return
	}

	src, err := file.Open()
	if err != nil {
		h.renderError(c, http.StatusBadRequest, "unable to open image")
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		h.renderError(c, http.StatusInternalServerError, "failed to read image")
		return
	}

	requestID, result, err := h.uc.Predict(c.Request.Context(), data)
	if requestID != "" {
		c.Header(RequestIDHeader, requestID)
	}
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, usecase.ErrDecode):
			h.renderError(c, http.StatusBadRequest, "uploaded file is not a valid image")
		case errors.Is(err, usecase.ErrInferenceTimeout):
			h.renderError(c, http.StatusGatewayTimeout, "prediction timed out")
		default:
			h.logger.Error("prediction failed",
				zap.String("request_id", requestID),
				zap.String("operation", logging.OperationOf(err)),
				zap.Error(err),
			)
			h.renderError(c, http.StatusInternalServerError, "prediction failed")
		}
		return
	}

	c.JSON(http.StatusOK, renderResult(h.schema, result))
}

// renderResult shapes a prediction according to the configured response schema.
// Gate rejections use the success/error shape under every schema.
func renderResult(schema string, result *usecase.PredictionResult) gin.H {
	if !result.Success {
		return gin.H{"success": false, "error": result.Error}
	}
	switch schema {
	case config.SchemaDisease:
		return gin.H{"disease": result.Label, "confidence": result.Confidence}
	case config.SchemaIndex:
		return gin.H{"class_index": result.ClassIndex, "confidence": result.Confidence}
	default:
		return gin.H{"success": true, "class_index": result.ClassIndex, "confidence": result.Confidence}
	}
}

func (h *handler) renderError(c *gin.Context, status int, message string) {
	body := gin.H{"error": message}
	if h.schema == config.SchemaGated || h.schema == "" {
		body["success"] = false
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *handler) labels(c *gin.Context) {
	labels := h.uc.Labels()
	items := make([]gin.H, 0, len(labels))
	for i, label := range labels {
		items = append(items, gin.H{"index": i, "label": label})
	}
	c.JSON(http.StatusOK, gin.H{"labels": items})
}

func (h *handler) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := h.uc.GetResult(c.Request.Context(), requestID)
	if errors.Is(err, usecase.ErrResultNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":    log.RequestID,
		"stage":         log.Stage,
		"success":       log.Success,
		"class_index":   log.ClassIndex,
		"label":         log.Label,
		"confidence":    log.Confidence,
		"green_ratio":   log.GreenRatio,
		"error":         log.Error,
		"latency_ms":    log.LatencyMs,
		"model_version": log.Model,
		"created_at":    log.CreatedAt,
	})
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrStorageDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prediction storage is disabled"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func uploadedFile(c *gin.Context) (*multipart.FileHeader, error) {
	var firstErr error
	for _, field := range uploadFields {
		file, err := c.FormFile(field)
		if err == nil {
			return file, nil
		}
		if isTooLarge(err) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

// acceptedContentType allows undeclared and generic binary parts; decoding decides those.
func acceptedContentType(contentType string) bool {
	if contentType == "" || contentType == "application/octet-stream" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/leaf-check/internal/classifier"
	"github.com/example/leaf-check/internal/config"
	"github.com/example/leaf-check/internal/events"
	"github.com/example/leaf-check/internal/grpcclient"
	"github.com/example/leaf-check/internal/handlers"
	"github.com/example/leaf-check/internal/logging"
	"github.com/example/leaf-check/internal/metrics"
	"github.com/example/leaf-check/internal/repository"
	"github.com/example/leaf-check/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	labels, err := classifier.LoadLabels(cfg.Model.LabelsPath)
	if err != nil {
		logger.Fatal("failed to load labels", zap.Error(err))
	}

	clf, closeClassifier := initClassifier(ctx, cfg, len(labels), logger)
	defer closeClassifier()
	clf = wrapClassifier(clf, cfg.Model.Serialize, logger)

	m := metrics.New()
	options := []usecase.Option{usecase.WithMetrics(m)}

	if cfg.Database.Enabled {
		db := initDatabase(ctx, cfg.Database, logger)
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		options = append(options, usecase.WithRepository(repo))
	}

	if cfg.Redis.Enabled {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()
		defer redisClient.Close()
		options = append(options, usecase.WithCache(usecase.NewRedisCache(redisClient)))
	}

	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer publisher.Close()
		options = append(options, usecase.WithPublisher(publisher))
	}

	uc := usecase.NewPredictionUseCase(clf, labels, usecase.Options{
		GateEnabled:      cfg.Gate.Enabled,
		GateThreshold:    cfg.Gate.Threshold,
		ImageSize:        cfg.Model.ImageSize,
		InferenceTimeout: cfg.Inference.Timeout,
		MaxConcurrent:    cfg.Inference.MaxConcurrent,
		ModelVersion:     cfg.Model.Version,
		ResultTTL:        cfg.Redis.ResultTTL,
	}, logger, options...)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.AccessLogger(logger), m.Middleware())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, cfg.Response.Schema, m, logger)

	addr := ":" + cfg.Server.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("leaf-check API listening",
		zap.String("addr", addr),
		zap.String("backend", cfg.Model.Backend),
		zap.String("schema", cfg.Response.Schema),
		zap.Bool("gate", cfg.Gate.Enabled),
		zap.Int("classes", len(labels)),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initClassifier loads the configured model backend. The returned func releases it.
func initClassifier(ctx context.Context, cfg *config.Config, numClasses int, logger *zap.Logger) (classifier.Classifier, func()) {
	switch cfg.Model.Backend {
	case config.BackendGRPC:
		client, conn, err := grpcclient.DialClassifier(ctx, cfg.Model.GRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to model server", zap.Error(err), zap.String("addr", cfg.Model.GRPCAddr))
		}
		if err := client.WaitReady(ctx, 20*time.Second); err != nil {
			logger.Fatal("model server not ready", zap.Error(err))
		}
		return client, func() { _ = conn.Close() }
	default:
		onnx, err := classifier.NewONNXClassifier(classifier.ONNXOptions{
			ModelPath:      cfg.Model.Path,
			RuntimeLibrary: cfg.Model.RuntimeLibrary,
			InputName:      cfg.Model.InputName,
			OutputName:     cfg.Model.OutputName,
			ImageSize:      cfg.Model.ImageSize,
			NumClasses:     numClasses,
		})
		if err != nil {
			logger.Fatal("failed to load model", zap.Error(err), zap.String("path", cfg.Model.Path))
		}
		logger.Info("model loaded", zap.String("path", cfg.Model.Path), zap.String("version", cfg.Model.Version))
		return onnx, func() {
			if err := onnx.Close(); err != nil {
				logger.Warn("failed to release model", zap.Error(err))
			}
		}
	}
}

// wrapClassifier serializes calls to backends that cannot serve them concurrently.
func wrapClassifier(clf classifier.Classifier, serialize bool, logger *zap.Logger) classifier.Classifier {
	if !serialize {
		return clf
	}
	logger.Info("classifier calls are serialized")
	return classifier.NewSerialized(clf)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

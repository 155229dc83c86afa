package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/engines"
	"github.com/yungbote/scribehub-backend/internal/harness"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/utils"
)

// Stock engine worker. One process serves one stage; the stage and engine
// identity come from the environment so the same binary covers the whole
// stock set.
func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	stage := utils.GetEnv("ENGINE_STAGE", "transcribe", log)
	redisAddr := utils.GetEnv("REDIS_ADDR", "localhost:6379", log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := redisclient.NewKV(log, redisAddr)
	if err != nil {
		log.Error("Redis init failed", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	store, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	engine, cleanup, err := buildEngine(log, stage)
	if err != nil {
		log.Error("Engine init failed", "stage", stage, "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	reg := registry.New(log, kv, registry.Config{})
	h := harness.New(log, kv, store, reg, engine, harness.Config{
		Heartbeat:    utils.GetEnvAsDuration("T_HEARTBEAT", 0, log),
		Lease:        utils.GetEnvAsDuration("T_LEASE", 0, log),
		Capabilities: []string{stage},
	})

	log.Info("Engine worker starting", "engine_id", engine.EngineID(), "stage", stage)
	if err := h.Run(ctx); err != nil {
		log.Error("Engine worker exited", "error", err)
		os.Exit(1)
	}
}

func buildEngine(log *logger.Logger, stage string) (harness.Engine, func(), error) {
	switch stage {
	case "prepare":
		id := utils.GetEnv("ENGINE_ID", "prepare-ffmpeg", log)
		return engines.NewPrepareEngine(id), nil, nil
	case "transcribe":
		id := utils.GetEnv("ENGINE_ID", "transcribe-gcp-speech", log)
		speech, err := gcp.NewSpeech(log)
		if err != nil {
			return nil, nil, err
		}
		return engines.NewTranscribeEngine(id, speech), func() { _ = speech.Close() }, nil
	case "merge":
		id := utils.GetEnv("ENGINE_ID", "merge-v1", log)
		return engines.NewMergeEngine(id), nil, nil
	default:
		return nil, nil, fmt.Errorf("no stock engine for stage %q", stage)
	}
}

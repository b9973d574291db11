package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orchestra/internal/agent"
	"orchestra/internal/artifactstore"
	"orchestra/internal/config"
	"orchestra/internal/eval"
	"orchestra/internal/learning"
	"orchestra/internal/learning/pgstore"
	"orchestra/internal/llm"
	llmclient "orchestra/internal/llmClient"
	"orchestra/internal/patterns"
	"orchestra/internal/router"
	"orchestra/internal/security"
	"orchestra/internal/security/trust"
	"orchestra/internal/security/trust/mongostore"
	"orchestra/internal/strategy"
	"orchestra/internal/telemetry"
	"orchestra/internal/workflow"
)

const warmLimit = 500

// Build assembles an Orchestrator from configuration. Optional stores that
// cannot be reached are logged and skipped. The returned cleanup flushes
// write-behind queues and closes connections.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Orchestrator, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	client, err := llm.NewFromConfig(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("llm: %w", err)
	}
	closers = append(closers, func() { _ = client.Close() })
	logger.Info("llm backend ready", zap.String("client", client.Name()))

	profiles, err := loadProfiles(cfg.AgentsFile)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	library := patterns.Builtin()
	if cfg.PatternsFile != "" {
		if library, err = patterns.Load(cfg.PatternsFile); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	memory := learning.NewCache(learning.Config{
		MinConfidence:   cfg.Learning.MinConfidence,
		SuccessCapacity: cfg.Learning.SuccessCapacity,
		FailureCapacity: cfg.Learning.FailureCapacity,
	}, logger)
	if cfg.Learning.PostgresDSN != "" {
		if store, err := pgstore.Open(ctx, cfg.Learning.PostgresDSN); err != nil {
			logger.Warn("learning store unavailable, running memory only", zap.Error(err))
		} else {
			if n, err := memory.Warm(ctx, store, warmLimit); err != nil {
				logger.Warn("learning cache not warmed", zap.Error(err))
			} else {
				logger.Info("learning cache warmed", zap.Int("records", n))
			}
			wb := learning.NewWriteBehind(store, 0, logger)
			memory.AttachWriteBehind(wb)
			closers = append(closers, func() { wb.Close(); _ = store.Close() })
		}
	}

	trustStore := trust.NewStore(cfg.Trust.MaxIdentities, logger)
	if cfg.Trust.MongoURI != "" {
		if ms, err := mongostore.Connect(ctx, cfg.Trust.MongoURI, cfg.Trust.MongoDB, cfg.Trust.MongoCollection); err != nil {
			logger.Warn("trust store unavailable, running memory only", zap.Error(err))
		} else {
			trustStore.AttachPersister(ms, 0)
			closers = append(closers, func() { trustStore.Close(); _ = ms.Close(context.Background()) })
		}
	}

	var archiver *artifactstore.Archiver
	if cfg.Artifact.Enabled {
		s3, err := artifactstore.NewS3Store(artifactstore.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			logger.Warn("artifact archive disabled", zap.Error(err))
		} else {
			archiver = artifactstore.NewArchiver(s3, logger)
			closers = append(closers, archiver.Wait)
		}
	}

	sinks := telemetry.MultiSink{telemetry.NewLogSink(logger)}
	if otelSink, err := telemetry.NewOTelSink(nil); err != nil {
		logger.Warn("otel metrics disabled", zap.Error(err))
	} else {
		sinks = append(sinks, otelSink)
	}

	o, err := Assemble(client, profiles, library, memory, trustStore, archiver, sinks, Settings{
		ClearWinner:   cfg.Router.ClearWinner,
		BidTimeout:    cfg.Router.BidTimeout,
		Floor:         cfg.Workflow.ConfidenceFloor,
		TimeBudget:    cfg.Workflow.TimeBudget,
		MaxIterations: cfg.Workflow.MaxIterations,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return o, cleanup, nil
}

// Settings tunes Assemble.
type Settings struct {
	ClearWinner float64
	BidTimeout  time.Duration
	// Floor, when set, replaces every agent profile's confidence floor.
	Floor                float64
	TimeBudget           time.Duration
	MaxIterations        int
	DisableMetacognition bool
}

// Assemble wires components around one backend client. Tests use it with the
// fake backend.
func Assemble(
	client llmclient.LLMClient,
	profiles []agent.Profile,
	library *patterns.Library,
	memory *learning.Cache,
	trustStore *trust.Store,
	archiver *artifactstore.Archiver,
	sink telemetry.Sink,
	s Settings,
	logger *zap.Logger,
) (*Orchestrator, error) {
	r := router.New(router.Options{ClearWinner: s.ClearWinner, BidTimeout: s.BidTimeout}, logger)
	if err := r.Register(agent.Candidates(agent.FromProfiles(profiles, client, logger))...); err != nil {
		return nil, err
	}
	ev := eval.New(client, eval.Options{Floor: s.Floor}, logger)
	builder := workflow.NewBuilder(workflow.Deps{
		LLM:       client,
		Evaluator: ev,
		Strategy:  strategy.New(client, logger),
		Memory:    memory,
		Library:   library,
	}, workflow.Options{
		TimeBudget:           s.TimeBudget,
		DisableMetacognition: s.DisableMetacognition,
	}, logger)

	return New(Deps{
		Router:          r,
		Builder:         builder,
		Security:        security.New(client, security.Options{}, logger),
		Trust:           trustStore,
		Memory:          memory,
		Archiver:        archiver,
		Sink:            sink,
		MaxIterations:   s.MaxIterations,
		ConfidenceFloor: s.Floor,
	}, logger), nil
}

func loadProfiles(path string) ([]agent.Profile, error) {
	ps, err := agent.LoadProfiles(path)
	if err != nil {
		return nil, fmt.Errorf("agents file: %w", err)
	}
	return ps, nil
}

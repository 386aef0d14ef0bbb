// Command judged runs the judging daemon: it consumes submission tasks
// from Kafka, judges them in the sandbox, and serves intake and status
// over HTTP.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gavel/internal/judge/classify"
	"gavel/internal/judge/language"
	"gavel/internal/judge/orchestrator"
	"gavel/internal/judge/service"
	"gavel/internal/pkgstore"
	"gavel/internal/queue"
	"gavel/internal/report"
	"gavel/internal/sandbox/policy"
	"gavel/internal/sandbox/supervisor"
	"gavel/internal/server"
	"gavel/internal/status"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/judged.yaml", "path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		panic(err)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		panic(err)
	}
	defer logger.Sync()
	ctx := context.Background()

	statusRepo, err := status.Connect(appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "connect redis failed", zap.Error(err))
		return
	}
	defer statusRepo.Close()

	objStorage, err := pkgstore.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(ctx, "init object storage failed", zap.Error(err))
		return
	}

	packCache, err := pkgstore.NewCache(appCfg.Cache, appCfg.MinIO.PackBucket, objStorage)
	if err != nil {
		logger.Error(ctx, "init package cache failed", zap.Error(err))
		return
	}

	mqClient, err := queue.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(ctx, "init kafka failed", zap.Error(err))
		return
	}
	defer mqClient.Close()

	sup, err := supervisor.New(supervisor.Config{
		HelperPath:      appCfg.Sandbox.HelperPath,
		CaptureMaxBytes: appCfg.Sandbox.CaptureMaxBytes,
		CgroupRoot:      appCfg.Sandbox.CgroupRoot,
		EnableCgroup:    appCfg.Sandbox.EnableCgroup,
	})
	if err != nil {
		logger.Error(ctx, "init sandbox supervisor failed", zap.Error(err))
		return
	}

	langs, err := language.NewRegistry(appCfg.Languages)
	if err != nil {
		logger.Error(ctx, "init language registry failed", zap.Error(err))
		return
	}

	runPolicy, compilePolicy, err := loadPolicies(appCfg.Sandbox)
	if err != nil {
		logger.Error(ctx, "load syscall policies failed", zap.Error(err))
		return
	}

	orch, err := orchestrator.New(orchestrator.Config{
		WorkRoot:             appCfg.Judge.WorkRoot,
		PoolSize:             appCfg.Judge.PoolSize,
		ShortCircuit:         appCfg.Judge.ShortCircuit,
		Compare:              classify.ComparisonMode(appCfg.Judge.CompareMode),
		AcquireTimeout:       appCfg.Judge.AcquireTimeout,
		RunPolicy:            runPolicy,
		CompilePolicy:        compilePolicy,
		DefaultRunLimits:     appCfg.Sandbox.DefaultRunLimits.toLimits(),
		DefaultCompileLimits: appCfg.Sandbox.DefaultCompileLimits.toLimits(),
	}, sup, langs)
	if err != nil {
		logger.Error(ctx, "init orchestrator failed", zap.Error(err))
		return
	}

	reporter := report.NewQueuePublisher(mqClient, appCfg.Status.FinalTopic)

	judgeSvc, err := service.NewService(service.Config{
		Orchestrator:  orch,
		StatusRepo:    statusRepo,
		Reporter:      reporter,
		Packs:         packCache,
		Storage:       objStorage,
		SourceBucket:  appCfg.MinIO.SourceBucket,
		WorkRoot:      appCfg.Judge.WorkRoot,
		JudgeTimeout:  appCfg.Judge.JudgeTimeout,
		StatusTimeout: appCfg.Judge.StatusTimeout,
	})
	if err != nil {
		logger.Error(ctx, "init judge service failed", zap.Error(err))
		return
	}

	err = mqClient.Subscribe(ctx, appCfg.Tasks.Topic, judgeSvc.HandleMessage, &queue.SubscribeOptions{
		ConsumerGroup:   appCfg.Tasks.ConsumerGroup,
		Concurrency:     appCfg.Tasks.Concurrency,
		MaxRetries:      appCfg.Tasks.MaxRetries,
		RetryDelay:      appCfg.Tasks.RetryDelay,
		DeadLetterTopic: appCfg.Tasks.DeadLetterTopic,
	})
	if err != nil {
		logger.Error(ctx, "subscribe kafka failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(ctx, "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer, err := server.New(appCfg.Server, statusRepo, mqClient)
	if err != nil {
		logger.Error(ctx, "init http server failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judged http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Run()
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

// loadPolicies resolves the run and compile policies from the policy
// directory, falling back to the built-in defaults when no name is
// configured.
func loadPolicies(cfg SandboxConfig) (policy.Policy, policy.Policy, error) {
	runP := policy.DefaultRunPolicy()
	compileP := policy.UnconfinedPolicy()
	if cfg.PolicyDir == "" {
		return runP, compileP, nil
	}
	policies, err := policy.LoadDir(cfg.PolicyDir)
	if err != nil {
		return policy.Policy{}, policy.Policy{}, err
	}
	if cfg.RunPolicy != "" {
		p, ok := policies[cfg.RunPolicy]
		if !ok {
			return policy.Policy{}, policy.Policy{}, appErr.New(appErr.PolicyNotFound).WithMessagef("policy %q not in %s", cfg.RunPolicy, cfg.PolicyDir)
		}
		runP = p
	}
	if cfg.CompilePolicy != "" {
		p, ok := policies[cfg.CompilePolicy]
		if !ok {
			return policy.Policy{}, policy.Policy{}, appErr.New(appErr.PolicyNotFound).WithMessagef("policy %q not in %s", cfg.CompilePolicy, cfg.PolicyDir)
		}
		compileP = p
	}
	return runP, compileP, nil
}

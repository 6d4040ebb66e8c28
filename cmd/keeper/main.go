package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/shadoworders/keeper/internal/api"
	"github.com/shadoworders/keeper/internal/chain"
	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/execution"
	"github.com/shadoworders/keeper/internal/journal"
	"github.com/shadoworders/keeper/internal/keeper"
	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/internal/oracle"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/internal/risk"
	"github.com/shadoworders/keeper/internal/trigger"
	"github.com/shadoworders/keeper/pkg/config"
	"github.com/shadoworders/keeper/pkg/logger"
	"github.com/shadoworders/keeper/pkg/persistence"
	"github.com/shadoworders/keeper/pkg/shutdown"
	"github.com/shadoworders/keeper/pkg/wallet"
)

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func fatalf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	noPoller := flag.Bool("no-poller", false, "禁用链上订单轮询")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	path := *configPath
	if path == "" {
		if p, ok := firstExistingFile("yml/keeper.yaml", "keeper.yaml"); ok {
			path = p
			logrus.Infof("使用默认配置文件: %s", p)
		} else {
			logrus.Warnf("未指定配置文件，将使用环境变量和默认值")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("加载配置失败: %v", err)
	}
	if *noPoller {
		cfg.Poller.Enabled = false
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}); err != nil {
		fatalf("初始化日志失败: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	sm := shutdown.NewManager()

	// 代币与池子
	tokens, pools, err := buildMarket(cfg)
	if err != nil {
		fatalf("代币/池子配置无效: %v", err)
	}

	// 订单状态存储：默认 badger，配置 json_dir 时使用 JSON 文件
	var store persistence.Service
	if cfg.Storage.JSONDir != "" {
		store = persistence.NewJSONFileService(cfg.Storage.JSONDir)
		logrus.Infof("订单存储: JSON %s", cfg.Storage.JSONDir)
	} else {
		bs, err := persistence.OpenBadger(persistence.BadgerOptions{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			fatalf("打开订单存储失败: %v", err)
		}
		store = bs
		logrus.Infof("订单存储: badger %s", cfg.Storage.BadgerDir)
	}
	sm.OnShutdown("order-store", func(context.Context) error { return store.Close() })

	tracker := orders.NewTracker(store.NewStore(orders.StorageKey))
	if err := tracker.Load(); err != nil {
		fatalf("加载订单失败: %v", err)
	}

	jr, err := journal.Open(cfg.Storage.JournalDB)
	if err != nil {
		fatalf("打开结算日志失败: %v", err)
	}
	sm.OnShutdown("journal", func(context.Context) error { return jr.Close() })

	prices := oracle.NewClient(oracle.Config{
		BaseURL:       cfg.Oracle.BaseURL,
		Timeout:       cfg.Oracle.Timeout.Std(),
		CacheTTL:      cfg.Oracle.CacheTTL.Std(),
		RatePerMinute: cfg.Oracle.RatePerMinute,
	}, tokens)

	// keeper 身份与链连接
	key, err := wallet.Load(wallet.Source{
		PrivateKey:      cfg.Keeper.PrivateKey,
		Mnemonic:        cfg.Keeper.Mnemonic,
		DerivationPath:  cfg.Keeper.DerivationPath,
		SecretStorePath: cfg.Keeper.SecretStorePath,
		SecretStoreKey:  cfg.Keeper.SecretStoreKey,
	})
	if err != nil {
		fatalf("加载 keeper 身份失败: %v", err)
	}
	logrus.Infof("keeper 地址: %s（来源: %s）", key.Address.Hex(), key.Origin)

	dialCtx, dialCancel := context.WithTimeout(rootCtx, 15*time.Second)
	client, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	dialCancel()
	if err != nil {
		fatalf("连接 RPC 失败: %v", err)
	}
	sm.OnShutdown("rpc", func(context.Context) error { client.Close(); return nil })

	sender := chain.NewSender(client, key.Private, big.NewInt(cfg.Chain.ChainID), cfg.Pipeline.MaxSendAttempts)
	registry := chain.NewRegistryClient(sender, common.HexToAddress(cfg.Chain.Hook))
	venue := chain.NewVenueClient(sender, common.HexToAddress(cfg.Chain.Venue))

	guard := execution.NewLeaseGuard(cfg.Pipeline.LeaseTTL.Std(), 0)
	poller := keeper.NewPoller(keeper.Config{
		Interval:     cfg.Poller.Interval.Std(),
		DemoPrice:    cfg.Poller.DemoPrice,
		CheckTimeout: cfg.Pipeline.StepTimeout.Std(),
	}, registry, pools, prices, guard, jr)

	deps := execution.PipelineDeps{
		Keeper:   key.Address,
		Tokens:   tokens,
		Pools:    pools,
		TokenOps: chain.NewTokenClient(sender),
		Venue:    venue,
		Registry: registry,
		Receipts: sender,
		Journal:  jr,
	}
	if cfg.Trigger.Mode == config.TriggerModeOracle {
		deps.ReferencePrice = func(ctx context.Context, from, to string) *big.Int {
			route, err := pools.Route(from, to)
			if err != nil {
				return nil
			}
			return poller.ReferencePrice(ctx, route.Key.ID())
		}
	}
	pipeline := execution.NewPipeline(execution.PipelineConfig{
		StepTimeout:     cfg.Pipeline.StepTimeout.Std(),
		ApproveHeadroom: cfg.Pipeline.ApproveHeadroom,
		DefaultAmount:   cfg.Pipeline.DefaultAmount,
	}, deps)
	runner := execution.NewRunner(pipeline, tracker)

	breaker := risk.NewBreaker(risk.BreakerConfig{
		MaxConsecutiveFailures: cfg.Pipeline.BreakerFailures,
		Cooldown:               cfg.Pipeline.BreakerCooldown.Std(),
	})
	dispatcher := execution.NewDispatcher(guard, runner, cfg.Pipeline.Workers, 64).WithBreaker(breaker)
	dispatcher.Start(rootCtx)
	sm.OnShutdown("dispatcher", func(context.Context) error { dispatcher.Wait(); return nil })

	// 触发评估
	policy := trigger.Policy{
		MoveRate:    cfg.Trigger.MoveRate,
		NoiseFactor: cfg.Trigger.Noise,
		Tolerance:   cfg.Trigger.Tolerance,
		MaxTicks:    cfg.Trigger.MaxTicks,
	}
	var evaluator trigger.Evaluator
	if cfg.Trigger.Mode == config.TriggerModeOracle {
		evaluator = trigger.NewOracleEvaluator(policy, prices)
	} else {
		evaluator = trigger.NewModelEvaluator(policy)
	}
	scheduler := trigger.NewScheduler(tracker, evaluator, dispatcher, cfg.Trigger.Interval.Std())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(rootCtx)
	}()
	sm.OnShutdown("scheduler", func(ctx context.Context) error {
		select {
		case <-schedDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	logrus.Infof("⏱️ 触发评估已启动: mode=%s interval=%s", evaluator.Name(), cfg.Trigger.Interval.Std())

	if cfg.Poller.Enabled {
		pollerDone := make(chan struct{})
		go func() {
			defer close(pollerDone)
			poller.Run(rootCtx)
		}()
		sm.OnShutdown("poller", func(ctx context.Context) error {
			select {
			case <-pollerDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		logrus.Infof("🔍 链上订单轮询已启动: hook=%s interval=%s", cfg.Chain.Hook, cfg.Poller.Interval.Std())
	}

	// HTTP 接口与事件推送
	hub := api.NewHub()
	events, unsubscribe := tracker.Subscribe(256)
	go hub.Run(rootCtx, events)
	server := api.NewServer(api.Options{
		Listen:      cfg.API.Listen,
		CORSOrigins: cfg.API.CORSOrigins,
		ExecTimeout: 5 * cfg.Pipeline.StepTimeout.Std(),
	}, api.Deps{
		Tracker:  tracker,
		Guard:    guard,
		Executor: pipeline,
		Settler:  runner,
		Prices:   prices,
		Hub:      hub,
	})
	if err := server.Start(); err != nil {
		fatalf("启动 API 失败: %v", err)
	}
	sm.OnShutdown("api", func(ctx context.Context) error {
		unsubscribe()
		return server.Shutdown(ctx)
	})

	if cfg.MetricsListen != "" {
		status := func() interface{} {
			counts := map[domain.OrderStatus]int{}
			for _, o := range tracker.List() {
				counts[o.DisplayStatus()]++
			}
			return map[string]interface{}{
				"keeper":        key.Address.Hex(),
				"trigger_mode":  evaluator.Name(),
				"orders":        counts,
				"breaker_open":  breaker.Open(),
				"poller_active": poller.Active(),
				"ws_clients":    hub.Len(),
			}
		}
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsListen, status); err != nil {
			logrus.Warnf("metrics 服务启动失败: %v", err)
		}
	}

	logrus.Infof("✅ keeper 已启动，跟踪订单 %d 个，按 Ctrl+C 停止", len(tracker.List()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")
	// 先 cancel root ctx，让调度器/轮询器/进行中的结算尽快停下
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)
	logrus.Info("✅ keeper 已停止")
}

// buildMarket 配置中的代币/池子为空时使用内置的 Base Sepolia 部署
func buildMarket(cfg *config.Config) (*domain.TokenRegistry, *domain.PoolSet, error) {
	tokenCfgs := domain.DefaultTokens()
	if len(cfg.Tokens) > 0 {
		tokenCfgs = make([]domain.TokenConfig, 0, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			tokenCfgs = append(tokenCfgs, domain.TokenConfig{
				Symbol:      t.Symbol,
				Address:     common.HexToAddress(t.Address),
				Decimals:    t.Decimals,
				CoingeckoID: t.CoingeckoID,
			})
		}
	}
	tokens, err := domain.NewTokenRegistry(tokenCfgs)
	if err != nil {
		return nil, nil, err
	}

	poolCfgs := domain.DefaultPools()
	if len(cfg.Pools) > 0 {
		poolCfgs = make([]domain.PoolConfig, 0, len(cfg.Pools))
		for _, p := range cfg.Pools {
			poolCfgs = append(poolCfgs, domain.PoolConfig(p))
		}
	}
	pools, err := domain.NewPoolSet(tokens, common.HexToAddress(cfg.Chain.Hook), poolCfgs)
	if err != nil {
		return nil, nil, err
	}
	return tokens, pools, nil
}

// Command colloquyd runs one multi-agent discussion end to end: it loads
// configuration, opens the store, seeds the scenario file, and drives the
// conversation until it completes or the process is signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/colloquy/api"
	"github.com/BaSui01/colloquy/config"
	"github.com/BaSui01/colloquy/engine"
	"github.com/BaSui01/colloquy/internal/metrics"
	"github.com/BaSui01/colloquy/internal/telemetry"
	"github.com/BaSui01/colloquy/llm"
	"github.com/BaSui01/colloquy/store"
	"github.com/BaSui01/colloquy/types"
)

// scenarioFile describes the conversation and its participants.
type scenarioFile struct {
	Subject   string        `yaml:"subject"`
	Goal      string        `yaml:"goal"`
	Mode      string        `yaml:"mode"`
	MaxRounds int           `yaml:"max_rounds"`
	MaxTurns  int           `yaml:"max_turns"`
	TurnDelay time.Duration `yaml:"turn_delay"`
	Agents    []struct {
		Name         string `yaml:"name"`
		Role         string `yaml:"role"`
		Expertise    string `yaml:"expertise"`
		SystemPrompt string `yaml:"system_prompt"`
		Model        string `yaml:"model"`
		Secretary    bool   `yaml:"secretary"`
	} `yaml:"agents"`
}

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	scenarioPath := flag.String("scenario", "", "path to scenario yaml (required)")
	exportPath := flag.String("export", "", "write a markdown transcript here on completion")
	flag.Parse()

	if err := run(*configPath, *scenarioPath, *exportPath); err != nil {
		fmt.Fprintln(os.Stderr, "colloquyd:", err)
		os.Exit(1)
	}
}

func run(configPath, scenarioPath, exportPath string) error {
	if scenarioPath == "" {
		return errors.New("a scenario file is required (-scenario)")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := seedScenario(ctx, st, cfg, scenarioPath)
	if err != nil {
		return err
	}
	logger.Info("scenario loaded",
		zap.String("conversation_id", conv.ID),
		zap.String("subject", conv.Subject),
		zap.String("mode", string(conv.Mode)),
	)

	var locker engine.Locker
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		locker = engine.NewRedisLocker(client, cfg.Redis.LockTTL, logger)
	} else {
		locker = engine.NewLockRegistry().NewLocker()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, logger)

	bus := engine.NewBus(logger)
	eng, err := engine.New(ctx, engine.Options{
		Conversation: conv,
		Store:        st,
		Provider:     provider,
		Logger:       logger,
		Bus:          bus,
		Locker:       locker,
		Metrics:      collector,
		RetryBackoff: cfg.Engine.RetryBackoff,
		RecentWindow: cfg.Engine.RecentWindow,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/events", api.NewEventStreamHandler(bus, logger))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			logger.Info("http server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		if err := eng.Start(gctx); err != nil {
			return err
		}
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				logger.Info("shutdown requested, stopping conversation")
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return eng.Stop(stopCtx)
			case <-ticker.C:
				if eng.Status() == types.StatusCompleted {
					stop() // release the signal context so the http server exits
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if exportPath != "" {
		if err := exportTranscript(st, conv, exportPath); err != nil {
			return err
		}
		logger.Info("transcript exported", zap.String("path", exportPath))
	}
	return nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite", "postgres", "mysql":
		return store.Open(cfg.Driver, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// seedScenario creates the conversation and agents described by the
// scenario file.
func seedScenario(ctx context.Context, st store.Store, cfg *config.Config, path string) (*types.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc scenarioFile
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Subject == "" {
		return nil, errors.New("scenario subject is required")
	}
	if len(sc.Agents) == 0 {
		return nil, errors.New("scenario needs at least one agent")
	}

	mode := types.Mode(sc.Mode)
	switch mode {
	case types.ModeRoundRobin, types.ModeModerator, types.ModeDynamic:
	case "":
		mode = types.ModeRoundRobin
	default:
		return nil, fmt.Errorf("unknown mode %q", sc.Mode)
	}

	maxRounds := sc.MaxRounds
	if maxRounds == 0 {
		maxRounds = cfg.Engine.MaxRounds
	}
	maxTurns := sc.MaxTurns
	if maxTurns == 0 {
		maxTurns = cfg.Engine.MaxTurns
	}
	delay := sc.TurnDelay
	if delay == 0 {
		delay = cfg.Engine.TurnDelay
	}

	now := time.Now()
	conv := &types.Conversation{
		ID:        uuid.New().String(),
		Subject:   sc.Subject,
		Goal:      sc.Goal,
		Mode:      mode,
		Status:    types.StatusIdle,
		TurnDelay: delay,
		MaxRounds: maxRounds,
		MaxTurns:  maxTurns,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	for _, a := range sc.Agents {
		model := a.Model
		if model == "" {
			model = cfg.LLM.Model
		}
		agent := &types.Agent{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Name:           a.Name,
			Role:           a.Role,
			Expertise:      a.Expertise,
			SystemPrompt:   a.SystemPrompt,
			Model:          model,
			IsSecretary:    a.Secretary,
			CreatedAt:      time.Now(),
		}
		if err := st.SaveAgent(ctx, agent); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

func exportTranscript(st store.Store, conv *types.Conversation, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := st.ListMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	agents, err := st.ListAgents(ctx, conv.ID)
	if err != nil {
		return err
	}
	draft, err := st.GetResultDraft(ctx, conv.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	doc := engine.ExportMarkdown(conv, draft, msgs, agents)
	return os.WriteFile(path, []byte(doc), 0o644)
}

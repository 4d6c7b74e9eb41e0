package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"triage-agent/handler"
	"triage-agent/internal/agent"
	"triage-agent/internal/catalog"
	"triage-agent/internal/domain"
	"triage-agent/internal/integrations/appbuilder"
	"triage-agent/internal/integrations/paramstore"
	"triage-agent/internal/integrations/qwen"
	"triage-agent/internal/repository"
	"triage-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// optional for local runs; Lambda supplies the environment
	_ = godotenv.Load()

	// ---- Configuration (read only here) ----
	catalogTable := mustEnv("CATALOG_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	backend := strings.ToLower(envString("AGENT_BACKEND", "appbuilder"))
	baseURL := os.Getenv("AGENT_BASE_URL")
	pollAttempts := envInt("POLL_MAX_ATTEMPTS", agent.DefaultPollAttempts)
	pollDelay := envDuration("POLL_DELAY", agent.DefaultPollDelay)
	exchangeTimeout := envDuration("EXCHANGE_TIMEOUT", 2*time.Minute)
	streamTimeout := envDuration("STREAM_TIMEOUT", 3*time.Minute)
	deadline := envDuration("TRIAGE_DEADLINE", 8*time.Minute)
	rulesFile := os.Getenv("KEYWORD_RULES_FILE")
	qwenModel := envString("QWEN_MODEL", qwen.DefaultModel)
	debugHTTP := envBool("AGENT_DEBUG_HTTP")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	catalogClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), catalogTable)
	if err != nil {
		slog.Error("failed to create catalog client", "err", err)
		os.Exit(1)
	}

	var answers usecase.AnswerSource
	switch backend {
	case "appbuilder":
		opts := []appbuilder.Option{appbuilder.WithBaseURL(baseURL)}
		if debugHTTP {
			opts = append(opts, appbuilder.WithDebugLogging(debugLogger()))
		}
		transport, err := appbuilder.NewClient(ssmClient, paramPrefix, opts...)
		if err != nil {
			slog.Error("failed to create AppBuilder client", "err", err)
			os.Exit(1)
		}
		answers, err = agent.New(transport, agent.Config{
			PollAttempts:    pollAttempts,
			PollDelay:       pollDelay,
			ExchangeTimeout: exchangeTimeout,
			StreamTimeout:   streamTimeout,
		})
		if err != nil {
			slog.Error("failed to create agent pipeline", "err", err)
			os.Exit(1)
		}
	case "qwen":
		answers, err = qwen.NewClient(ssmClient, paramPrefix, qwen.WithBaseURL(baseURL), qwen.WithModel(qwenModel))
		if err != nil {
			slog.Error("failed to create Qwen client", "err", err)
			os.Exit(1)
		}
	default:
		slog.Error("unknown agent backend", "backend", backend)
		os.Exit(1)
	}

	rules := catalog.DefaultKeywordRules()
	if rulesFile != "" {
		rules = mustRules(rulesFile)
	}

	// ---- Handler ----
	triageService, err := usecase.NewTriageService(answers,
		usecase.WithCatalog(catalogClient),
		usecase.WithRecords(catalogClient),
		usecase.WithKeywordRules(rules),
		usecase.WithDeadline(deadline),
	)
	if err != nil {
		slog.Error("failed to create triage service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(triageService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("triage agent ready", "backend", backend, "poll_attempts", pollAttempts, "poll_delay", pollDelay)
	lambda.Start(h.Handle)
}

func mustRules(path string) []domain.KeywordRule {
	c, err := catalog.LoadFile(path)
	if err != nil {
		slog.Error("failed to load keyword rules", "path", path, "err", err)
		os.Exit(1)
	}
	return c.Rules
}

func debugLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

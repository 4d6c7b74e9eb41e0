package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/pretty"

	"triage-agent/internal/agent"
	"triage-agent/internal/catalog"
	"triage-agent/internal/integrations/appbuilder"
	"triage-agent/internal/integrations/paramstore"
	"triage-agent/internal/integrations/qwen"
	"triage-agent/internal/repository"
	"triage-agent/internal/usecase"
)

type app struct {
	v          *viper.Viper
	configPath string
	showStream bool
	settings   *Settings
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "triagectl",
		Short: "Pre-triage agent client",
		Long: `triagectl sends symptoms to the conversational agent service and prints the
validated department or doctor recommendation. Reference data comes from a
YAML catalog (or the built-in one); agent credentials come from SSM Parameter
Store unless they are configured locally.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.settings = s
			level := slog.LevelInfo
			if s.DebugHTTP {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (yaml)")
	flags.String("catalog", "", "catalog file (yaml); built-in catalog when empty")
	flags.String("backend", "", "answer backend: appbuilder or qwen")
	flags.String("base-url", "", "override the backend base URL")
	flags.String("param-prefix", "", "SSM parameter prefix")
	flags.Bool("debug-http", false, "log agent HTTP traffic")
	flags.Int("poll-attempts", 0, "maximum poll attempts")
	flags.Duration("poll-delay", 0, "delay between poll attempts")
	flags.BoolVar(&a.showStream, "show-stream", false, "echo streamed fragments to stderr")
	for key, name := range map[string]string{
		"catalog":       "catalog",
		"backend":       "backend",
		"base_url":      "base-url",
		"param_prefix":  "param-prefix",
		"debug_http":    "debug-http",
		"poll.attempts": "poll-attempts",
		"poll.delay":    "poll-delay",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(
		a.departmentCmd(),
		a.doctorsCmd(),
		a.popularCmd(),
		a.seedCmd(),
	)
	return root
}

func (a *app) loadCatalog() (*catalog.Catalog, error) {
	if a.settings.Catalog == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(a.settings.Catalog)
}

func (a *app) secrets(ctx context.Context) (paramstore.Getter, error) {
	static, err := a.settings.staticSecrets()
	if err != nil {
		return nil, err
	}
	if static != nil {
		return static, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return paramstore.New(awsssm.NewFromConfig(cfg))
}

func (a *app) answers(ctx context.Context, stderr io.Writer) (usecase.AnswerSource, error) {
	getter, err := a.secrets(ctx)
	if err != nil {
		return nil, err
	}
	s := a.settings
	if s.Backend == "qwen" {
		return qwen.NewClient(getter, s.ParamPrefix,
			qwen.WithBaseURL(s.BaseURL),
			qwen.WithModel(s.Qwen.Model),
			qwen.WithLogger(a.logger),
		)
	}

	opts := []appbuilder.Option{appbuilder.WithBaseURL(s.BaseURL)}
	if s.DebugHTTP {
		opts = append(opts, appbuilder.WithDebugLogging(a.logger))
	}
	transport, err := appbuilder.NewClient(getter, s.ParamPrefix, opts...)
	if err != nil {
		return nil, err
	}
	var cb agent.StreamCallbacks
	if a.showStream {
		cb.OnFragment = func(text string) { _, _ = io.WriteString(stderr, text) }
		cb.OnComplete = func(string) { _, _ = io.WriteString(stderr, "\n") }
	}
	return agent.New(transport, agent.Config{
		PollAttempts: s.Poll.Attempts,
		PollDelay:    s.Poll.Delay,
		Callbacks:    cb,
		Logger:       a.logger,
	})
}

func (a *app) service(cmd *cobra.Command) (*usecase.TriageService, error) {
	cat, err := a.loadCatalog()
	if err != nil {
		return nil, err
	}
	answers, err := a.answers(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return usecase.NewTriageService(answers,
		usecase.WithCatalog(cat),
		usecase.WithKeywordRules(cat.Rules),
		usecase.WithDeadline(a.settings.Deadline),
		usecase.WithLogger(a.logger),
	)
}

func (a *app) openRepository(ctx context.Context) (*repository.Client, error) {
	if a.settings.Table == "" {
		return nil, fmt.Errorf("--table is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return repository.New(awsdynamodb.NewFromConfig(cfg), a.settings.Table)
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(raw))
	return err
}

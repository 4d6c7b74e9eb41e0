package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"triage-agent/internal/agent"
	"triage-agent/internal/integrations/paramstore"
	"triage-agent/internal/integrations/qwen"
)

// Settings holds triagectl configuration.
type Settings struct {
	Catalog     string          `mapstructure:"catalog"`
	ParamPrefix string          `mapstructure:"param_prefix"`
	Backend     string          `mapstructure:"backend"`
	BaseURL     string          `mapstructure:"base_url"`
	DebugHTTP   bool            `mapstructure:"debug_http"`
	Deadline    time.Duration   `mapstructure:"deadline"`
	Poll        PollSettings    `mapstructure:"poll"`
	AppBuilder  AppBuilderCreds `mapstructure:"appbuilder"`
	Qwen        QwenSettings    `mapstructure:"qwen"`
	Table       string          `mapstructure:"table"`
}

type PollSettings struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// AppBuilderCreds are used instead of SSM when both are set.
type AppBuilderCreds struct {
	Token string `mapstructure:"token"`
	AppID string `mapstructure:"app_id"`
}

type QwenSettings struct {
	Token string `mapstructure:"token"`
	Model string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("param_prefix", "/triage-agent")
	v.SetDefault("backend", "appbuilder")
	v.SetDefault("deadline", 8*time.Minute)
	v.SetDefault("poll.attempts", agent.DefaultPollAttempts)
	v.SetDefault("poll.delay", agent.DefaultPollDelay)
	v.SetDefault("qwen.model", qwen.DefaultModel)
}

// loadSettings reads the optional config file, then TRIAGECTL_* environment
// variables. Flags bound to v take precedence over both.
func loadSettings(v *viper.Viper, path string) (*Settings, error) {
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	v.SetEnvPrefix("TRIAGECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("appbuilder.token", "TRIAGECTL_APPBUILDER_TOKEN", "APPBUILDER_TOKEN")
	_ = v.BindEnv("appbuilder.app_id", "TRIAGECTL_APPBUILDER_APP_ID", "APPBUILDER_APP_ID")
	_ = v.BindEnv("qwen.token", "TRIAGECTL_QWEN_TOKEN", "QWEN_API_KEY")

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend != "appbuilder" && s.Backend != "qwen" {
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
	return s, nil
}

// staticSecrets returns an in-memory getter when the credentials of the
// selected backend are configured locally, and nil otherwise.
func (s *Settings) staticSecrets() (paramstore.Static, error) {
	prefix := strings.TrimRight(s.ParamPrefix, "/")
	switch s.Backend {
	case "appbuilder":
		if s.AppBuilder.Token == "" && s.AppBuilder.AppID == "" {
			return nil, nil
		}
		if s.AppBuilder.Token == "" || s.AppBuilder.AppID == "" {
			return nil, errors.New("appbuilder token and app_id must be set together")
		}
		return paramstore.Static{
			prefix + "/appbuilder-token":  tokenJSON(s.AppBuilder.Token),
			prefix + "/appbuilder-app-id": s.AppBuilder.AppID,
		}, nil
	default:
		if s.Qwen.Token == "" {
			return nil, nil
		}
		return paramstore.Static{prefix + "/qwen-token": tokenJSON(s.Qwen.Token)}, nil
	}
}

func tokenJSON(token string) string {
	b, _ := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	return string(b)
}

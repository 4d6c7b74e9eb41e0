package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"triage-agent/internal/agent"
	"triage-agent/internal/domain"
)

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APPBUILDER_TOKEN", "APPBUILDER_APP_ID", "QWEN_API_KEY",
		"TRIAGECTL_APPBUILDER_TOKEN", "TRIAGECTL_APPBUILDER_APP_ID", "TRIAGECTL_QWEN_TOKEN",
		"TRIAGECTL_BACKEND", "TRIAGECTL_TABLE",
	} {
		t.Setenv(k, "")
	}
}

// ---- loadSettings ----

func TestLoadSettings_Defaults(t *testing.T) {
	clearCredentialEnv(t)

	s, err := loadSettings(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, "appbuilder", s.Backend)
	require.Equal(t, "/triage-agent", s.ParamPrefix)
	require.Equal(t, 8*time.Minute, s.Deadline)
	require.Equal(t, agent.DefaultPollAttempts, s.Poll.Attempts)
	require.Equal(t, agent.DefaultPollDelay, s.Poll.Delay)
	require.NotEmpty(t, s.Qwen.Model)
}

func TestLoadSettings_File(t *testing.T) {
	clearCredentialEnv(t)
	path := filepath.Join(t.TempDir(), "triagectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: QWEN
param_prefix: /staging/triage
poll:
  attempts: 3
  delay: 2s
qwen:
  token: sk-test
  model: qwen-plus
`), 0o600))

	s, err := loadSettings(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "qwen", s.Backend)
	require.Equal(t, "/staging/triage", s.ParamPrefix)
	require.Equal(t, 3, s.Poll.Attempts)
	require.Equal(t, 2*time.Second, s.Poll.Delay)
	require.Equal(t, "sk-test", s.Qwen.Token)
	require.Equal(t, "qwen-plus", s.Qwen.Model)
}

func TestLoadSettings_EnvOverridesFile(t *testing.T) {
	clearCredentialEnv(t)
	path := filepath.Join(t.TempDir(), "triagectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: qwen\n"), 0o600))
	t.Setenv("TRIAGECTL_BACKEND", "appbuilder")
	t.Setenv("APPBUILDER_TOKEN", "tok")
	t.Setenv("APPBUILDER_APP_ID", "app-1")

	s, err := loadSettings(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "appbuilder", s.Backend)
	require.Equal(t, "tok", s.AppBuilder.Token)
	require.Equal(t, "app-1", s.AppBuilder.AppID)
}

func TestLoadSettings_UnknownBackend(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("TRIAGECTL_BACKEND", "gemini")

	_, err := loadSettings(viper.New(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown backend "gemini"`)
}

func TestLoadSettings_MissingFile(t *testing.T) {
	clearCredentialEnv(t)

	_, err := loadSettings(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config")
}

// ---- staticSecrets ----

func TestStaticSecrets_AppBuilder(t *testing.T) {
	s := &Settings{
		Backend:     "appbuilder",
		ParamPrefix: "/triage-agent/",
		AppBuilder:  AppBuilderCreds{Token: `t"ok`, AppID: "app-1"},
	}

	got, err := s.staticSecrets()
	require.NoError(t, err)
	require.Equal(t, "app-1", got["/triage-agent/appbuilder-app-id"])

	var payload struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(got["/triage-agent/appbuilder-token"]), &payload))
	require.Equal(t, `t"ok`, payload.Token)
}

func TestStaticSecrets_Qwen(t *testing.T) {
	s := &Settings{Backend: "qwen", ParamPrefix: "/p", Qwen: QwenSettings{Token: "sk"}}

	got, err := s.staticSecrets()
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk"}`, got["/p/qwen-token"])
}

func TestStaticSecrets_NoneConfigured(t *testing.T) {
	for _, backend := range []string{"appbuilder", "qwen"} {
		got, err := (&Settings{Backend: backend, ParamPrefix: "/p"}).staticSecrets()
		require.NoError(t, err, backend)
		require.Nil(t, got, backend)
	}
}

func TestStaticSecrets_PartialAppBuilder(t *testing.T) {
	s := &Settings{Backend: "appbuilder", AppBuilder: AppBuilderCreds{Token: "tok"}}

	_, err := s.staticSecrets()
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be set together")
}

// ---- commands ----

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPopularCommand_DefaultCatalog(t *testing.T) {
	clearCredentialEnv(t)

	out, err := runCLI(t, "popular")
	require.NoError(t, err)

	var got []string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 10)
	require.Equal(t, "头痛", got[0])
}

func TestPopularCommand_CatalogFile(t *testing.T) {
	clearCredentialEnv(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
departments:
  - id: 1
    name: 内科
rules:
  - department_id: 1
    department: 内科
    keywords: [发热, 乏力]
    priority: 1
`), 0o600))

	out, err := runCLI(t, "popular", "--catalog", path)
	require.NoError(t, err)

	var got []string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, []string{"发热", "乏力"}, got)
}

func TestSeedCommand_RequiresTable(t *testing.T) {
	clearCredentialEnv(t)

	_, err := runCLI(t, "seed")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--table is required")
}

func TestDepartmentCommand_Qwen(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("QWEN_API_KEY", "sk-test")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		answer := `{"analysis":"头痛伴眩晕","recommended_department":{"id":3,"name":"神经内科","reason":"神经系统症状"}}`
		body, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "qwen-turbo",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, string(body))
	}))
	defer srv.Close()

	out, err := runCLI(t, "department", "--backend", "qwen", "--base-url", srv.URL, "头痛", "眩晕")
	require.NoError(t, err)

	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	require.Equal(t, 3, rec.Department.ID)
	require.Equal(t, "神经内科", rec.Department.Name)
}

func TestDepartmentCommand_RequiresSymptoms(t *testing.T) {
	clearCredentialEnv(t)

	_, err := runCLI(t, "department")
	require.Error(t, err)
}

package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/idgen"
	"github.com/starford/notegraph/internal/llm"
)

var httpURL = regexp.MustCompile(`^https?://\S+$`)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Engine  EngineConfig      `yaml:"engine"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Sandbox SandboxConfig     `yaml:"sandbox"`
	Auth    AuthConfig        `yaml:"auth"`
	LLM     LLMConfig         `yaml:"llm"`
	Search  SearchConfig      `yaml:"search"`
	Import  ImportConfig      `yaml:"import"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validators := []interface{ Validate() error }{
		&c.App, &c.Engine, &c.SQLite, &c.Sandbox, &c.Auth, &c.LLM, &c.Search,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// EngineConfig tunes the scheduler and tool execution.
type EngineConfig struct {
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	Persist          bool          `yaml:"persist"`
	IDScheme         string        `yaml:"id_scheme"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	NotifyThrottle   time.Duration `yaml:"notify_throttle"`
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ConcurrencyLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.IDScheme, validation.In(idgen.SchemeULID, idgen.SchemeUUID)),
		validation.Field(&c.HTTPTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.NotifyThrottle, validation.Min(time.Duration(0))),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SandboxConfig holds the file tool's safe directory.
type SandboxConfig struct {
	Root  string `yaml:"root"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the sandbox configuration.
func (c *SandboxConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// LLMConfig selects the optional language model.
type LLMConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.In(string(llm.ProviderOpenAI), string(llm.ProviderOllama))),
		validation.Field(&c.Model, validation.When(c.Provider != "", validation.Required)),
		validation.Field(&c.APIKey, validation.When(c.Provider == string(llm.ProviderOpenAI), validation.Required)),
	)
}

// ModelConfig converts the section for the model factory.
func (c *LLMConfig) ModelConfig() llm.Config {
	return llm.Config{
		Provider:     llm.Provider(c.Provider),
		Model:        c.Model,
		APIKey:       c.APIKey,
		BaseURL:      c.BaseURL,
		SystemPrompt: c.SystemPrompt,
	}
}

// SearchConfig points at an HTTP search endpoint (e.g. a SearXNG instance).
// An empty URL disables web search.
type SearchConfig struct {
	URL        string            `yaml:"url"`
	QueryParam string            `yaml:"query_param"`
	Headers    map[string]string `yaml:"headers"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Match(httpURL).Error("must be an http(s) URL")),
	)
}

// Enabled reports whether a search endpoint is configured.
func (c *SearchConfig) Enabled() bool {
	return c.URL != ""
}

// ImportConfig points at a directory of Markdown notes loaded on startup.
type ImportConfig struct {
	Path string `yaml:"path"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Engine: EngineConfig{
			ConcurrencyLimit: engine.DefaultConcurrencyLimit,
			IDScheme:         idgen.SchemeULID,
			NotifyThrottle:   250 * time.Millisecond,
		},
		SQLite: SQLiteConfig{
			Path: "./" + engine.DefaultSQLitePath,
		},
		Sandbox: SandboxConfig{
			Root:  "./" + engine.DefaultSandboxRoot,
			Watch: true,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}

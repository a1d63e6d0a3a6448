package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m4xw311/agentd/errors"
	"gopkg.in/yaml.v3"
)

// Provider types understood by the llm package.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
)

// Transport kinds for the daemon listener.
const (
	TransportUnix = "unix"
	TransportHTTP = "http"
)

// Session store backends.
const (
	SessionBackendFile   = "file"
	SessionBackendSQLite = "sqlite"
)

const dirName = ".agentd"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden" json:"hidden"`
	ReadOnly []string `yaml:"read_only" json:"readOnly"`
}

type MCPServer struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// ModelConfig describes one selectable model. It is treated as immutable
// once a request has picked it.
type ModelConfig struct {
	Name          string  `yaml:"name" json:"name"`
	Provider      string  `yaml:"provider" json:"provider"`
	BaseURL       string  `yaml:"base_url" json:"baseURL,omitempty"`
	Model         string  `yaml:"model" json:"model"`
	APIKey        string  `yaml:"api_key" json:"apiKey,omitempty"`
	APIKeyEnv     string  `yaml:"api_key_env" json:"apiKeyEnv,omitempty"`
	Region        string  `yaml:"region" json:"region,omitempty"`
	Temperature   float64 `yaml:"temperature" json:"temperature"`
	MaxTokens     int     `yaml:"max_tokens" json:"maxTokens"`
	PromptCaching *bool   `yaml:"prompt_caching" json:"promptCaching,omitempty"`
}

// ResolvedAPIKey returns the explicit key, else the configured or default
// environment variable for the provider.
func (m ModelConfig) ResolvedAPIKey() string {
	if m.APIKey != "" {
		return m.APIKey
	}
	env := m.APIKeyEnv
	if env == "" {
		switch m.Provider {
		case ProviderOpenAI:
			env = "OPENAI_API_KEY"
		case ProviderAnthropic:
			env = "ANTHROPIC_API_KEY"
		case ProviderGemini:
			env = "GEMINI_API_KEY"
		}
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// CachingEnabled reports whether prompt caching should be attempted.
func (m ModelConfig) CachingEnabled() bool {
	return m.PromptCaching == nil || *m.PromptCaching
}

type DaemonConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	Socket    string `yaml:"socket" json:"socket"`
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	PIDFile   string `yaml:"pid_file" json:"pidFile"`
	LogFile   string `yaml:"log_file" json:"logFile"`
}

// Address returns the bind address for the configured transport.
func (d DaemonConfig) Address() string {
	if d.Transport == TransportHTTP {
		return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	}
	return d.Socket
}

type ToolsConfig struct {
	DangerousCmd     bool             `yaml:"dangerous_cmd" json:"dangerousCmd"`
	AllowedCommands  []string         `yaml:"allowed_commands" json:"allowedCommands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access" json:"filesystemAccess"`
	Disabled         []string         `yaml:"disabled" json:"disabled,omitempty"`
}

type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations" json:"maxIterations"`
	SystemPrompt  string `yaml:"system_prompt" json:"systemPrompt,omitempty"`
	// Toolset names the entry of Config.Toolsets exposed to the model.
	Toolset string `yaml:"toolset" json:"toolset,omitempty"`
}

type SessionConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Dir     string `yaml:"dir" json:"dir"`
	DBPath  string `yaml:"db_path" json:"dbPath"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type Config struct {
	Models               []ModelConfig `yaml:"models" json:"models"`
	DefaultModel         string        `yaml:"default_model" json:"defaultModel,omitempty"`
	FastestModel         string        `yaml:"fastest_model" json:"fastestModel,omitempty"`
	CacheExcludedModels  []string      `yaml:"cache_excluded_models" json:"cacheExcludedModels,omitempty"`
	Daemon               DaemonConfig  `yaml:"daemon" json:"daemon"`
	Tools                ToolsConfig   `yaml:"tools" json:"tools"`
	Toolsets             []Toolset     `yaml:"toolsets" json:"toolsets,omitempty"`
	AdditionalMCPServers []MCPServer   `yaml:"additional_mcp_servers" json:"additionalMcpServers,omitempty"`
	Agent                AgentConfig   `yaml:"agent" json:"agent"`
	Session              SessionConfig `yaml:"session" json:"session"`
	Log                  LogConfig     `yaml:"log" json:"log"`

	// Path is the file the configuration was last read from, if any.
	Path string `yaml:"-" json:"path,omitempty"`
	// Files lists every file merged, in order.
	Files []string `yaml:"-" json:"files,omitempty"`

	explicit bool
	workDir  string
}

// Toolset is a named subset of the registered tools. Names may be
// built-in tools or tools advertised by MCP servers.
type Toolset struct {
	Name  string   `yaml:"name" json:"name"`
	Tools []string `yaml:"tools" json:"tools"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	base := baseDir()
	return &Config{
		Daemon: DaemonConfig{
			Transport: TransportUnix,
			Socket:    filepath.Join(base, "agentd.sock"),
			Host:      "127.0.0.1",
			Port:      7421,
			PIDFile:   filepath.Join(base, "agentd.pid"),
			LogFile:   filepath.Join(base, "agentd.log"),
		},
		Tools: ToolsConfig{
			DangerousCmd: true,
			FilesystemAccess: FilesystemAccess{
				Hidden: []string{dirName, dirName + "/**"},
			},
		},
		Agent:   AgentConfig{MaxIterations: 10},
		Session: SessionConfig{Backend: SessionBackendFile, Dir: filepath.Join(base, "sessions"), DBPath: filepath.Join(base, "sessions.db")},
		Log:     LogConfig{Level: "info", Format: "text"},
		CacheExcludedModels: []string{
			"claude-instant*",
			"claude-2*",
			"*haiku-2024*",
		},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. An explicit path
// replaces both lookups.
func LoadConfig(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return loadExplicit(explicitPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	return loadMerged(wd)
}

func loadExplicit(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	cfg.Path = path
	cfg.Files = []string{path}
	cfg.explicit = true
	return cfg, cfg.Validate()
}

// loadMerged reads the user-level file and then the project-level file
// under wd.
func loadMerged(wd string) (*Config, error) {
	cfg := Default()
	cfg.workDir = wd

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, dirName, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
			cfg.Path = userConfigPath
			cfg.Files = append(cfg.Files, userConfigPath)
		}
	}

	// Load project-level config, overriding user-level
	projectConfigPath := filepath.Join(wd, dirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
		cfg.Path = projectConfigPath
		cfg.Files = append(cfg.Files, projectConfigPath)
	}

	return cfg, cfg.Validate()
}

// Reload re-reads the configuration the way c was read: the explicit file
// again, or the user then project merge from the original working directory.
func (c *Config) Reload() (*Config, error) {
	if c.explicit {
		return loadExplicit(c.Path)
	}
	wd := c.workDir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return nil, errors.Wrapf(err, "could not get working directory")
		}
	}
	return loadMerged(wd)
}

// ExplicitPath returns the --config file c was read from, or "" when c
// came from the user and project lookup.
func (c *Config) ExplicitPath() string {
	if c.explicit {
		return c.Path
	}
	return ""
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so a later file
	// replaces what an earlier one set.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	cfg.expandPaths()
	return nil
}

func (c *Config) expandPaths() {
	c.Daemon.Socket = expandHome(c.Daemon.Socket)
	c.Daemon.PIDFile = expandHome(c.Daemon.PIDFile)
	c.Daemon.LogFile = expandHome(c.Daemon.LogFile)
	c.Session.Dir = expandHome(c.Session.Dir)
	c.Session.DBPath = expandHome(c.Session.DBPath)
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	switch c.Daemon.Transport {
	case TransportUnix:
		if c.Daemon.Socket == "" {
			return errors.New("daemon.socket must be set for unix transport")
		}
	case TransportHTTP:
		if !IsLoopbackHost(c.Daemon.Host) {
			return errors.New("daemon.host %q is not a loopback address", c.Daemon.Host)
		}
		if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
			return errors.New("daemon.port %d out of range", c.Daemon.Port)
		}
	default:
		return errors.New("unknown daemon.transport %q (valid: unix, http)", c.Daemon.Transport)
	}

	switch c.Session.Backend {
	case SessionBackendFile, SessionBackendSQLite:
	default:
		return errors.New("unknown session.backend %q (valid: file, sqlite)", c.Session.Backend)
	}

	seen := make(map[string]bool)
	for _, m := range c.Models {
		if m.Name == "" {
			return errors.New("model entry without a name")
		}
		if seen[m.Name] {
			return errors.New("duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
		switch m.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderBedrock:
		default:
			return errors.New("model %q has unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.DefaultModel != "" && !seen[c.DefaultModel] {
		return errors.New("default_model %q is not a configured model", c.DefaultModel)
	}
	names := make(map[string]bool)
	for _, ts := range c.Toolsets {
		if ts.Name == "" {
			return errors.New("toolset entry without a name")
		}
		if names[ts.Name] {
			return errors.New("duplicate toolset name %q", ts.Name)
		}
		names[ts.Name] = true
	}
	if c.Agent.Toolset != "" && !names[c.Agent.Toolset] {
		return errors.New("agent.toolset %q is not a configured toolset", c.Agent.Toolset)
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	return nil
}

// Model looks up a model by name.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// DefaultModelConfig returns the configured default model, falling back to
// the first model in the list.
func (c *Config) DefaultModelConfig() (ModelConfig, error) {
	if c.DefaultModel != "" {
		if m, ok := c.Model(c.DefaultModel); ok {
			return m, nil
		}
	}
	if len(c.Models) > 0 {
		return c.Models[0], nil
	}
	return ModelConfig{}, errors.New("no models configured")
}

// ResolveModel returns the override when it names a configured model, else
// the default.
func (c *Config) ResolveModel(override string) (ModelConfig, error) {
	if override != "" {
		if m, ok := c.Model(override); ok {
			return m, nil
		}
	}
	return c.DefaultModelConfig()
}

// FastestModelConfig returns the benchmarked fastest model, if one is set.
func (c *Config) FastestModelConfig() (ModelConfig, bool) {
	if c.FastestModel == "" {
		return ModelConfig{}, false
	}
	return c.Model(c.FastestModel)
}

// Redacted returns a copy safe to hand to clients. API keys and MCP server
// environment values are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Models = make([]ModelConfig, len(c.Models))
	for i, m := range c.Models {
		if m.APIKey != "" {
			m.APIKey = "***"
		}
		out.Models[i] = m
	}
	out.AdditionalMCPServers = make([]MCPServer, len(c.AdditionalMCPServers))
	for i, srv := range c.AdditionalMCPServers {
		if len(srv.Env) > 0 {
			env := make(map[string]string, len(srv.Env))
			for k := range srv.Env {
				env[k] = "***"
			}
			srv.Env = env
		}
		out.AdditionalMCPServers[i] = srv
	}
	return &out
}

// GetToolset finds a toolset by name. An empty name selects agent.toolset.
// It returns nil when no toolset is selected, meaning every tool.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = c.Agent.Toolset
	}
	if name == "" {
		return nil, nil
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	return nil, errors.New("toolset %q is not configured", name)
}

// IsLoopbackHost reports whether host only binds the local machine.
func IsLoopbackHost(host string) bool {
	switch strings.ToLower(strings.Trim(host, "[]")) {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	return false
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dirName
	}
	return filepath.Join(home, dirName)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

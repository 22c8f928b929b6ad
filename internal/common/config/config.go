// Package config loads process configuration from the environment,
// matching the options enumerated in the system's external contract
// (driver selection, orchestrator knobs, store location, title
// generator credentials).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DriverKind selects which Driver façade shape is active.
type DriverKind string

const (
	DriverStatic       DriverKind = "static"
	DriverLocal        DriverKind = "local"
	DriverOrchestrated DriverKind = "orchestrated"
)

// WorkspaceStorage selects ephemeral vs. persistent workspace backing
// for the orchestrated driver.
type WorkspaceStorage string

const (
	WorkspaceEphemeral  WorkspaceStorage = "ephemeral"
	WorkspacePersistent WorkspaceStorage = "persistent"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           int
	ReadTimeoutMS  int
	WriteTimeoutMS int
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// DriverConfig configures the Driver façade.
type DriverConfig struct {
	Kind             DriverKind
	StaticWorkerURL  string
	WorkerImage      string
	WorkerPort       int
	Namespace        string
	WorkspaceStorage WorkspaceStorage
	StorageClass     string
	CPULimit         string
	MemoryLimit      string
	IdleTTLSeconds   int
	WorkspaceHostRoot string
}

func (d DriverConfig) IdleTTL() time.Duration {
	return time.Duration(d.IdleTTLSeconds) * time.Second
}

// StoreConfig configures durable state storage.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string
	DataDir  string
	DSN      string // postgres connection string, when Driver == "postgres"
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// TitleGenConfig configures the fire-and-forget title generator
// collaborator.
type TitleGenConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NATSConfig configures the event bus connection.
type NATSConfig struct {
	URL string
}

// GitHubConfig configures the optional GitHub issue-comment webhook
// channel (§4.4). Channel registration is skipped when Secret is
// empty.
type GitHubConfig struct {
	Secret               string
	Trigger              string
	DefaultSkills        []string
	DefaultBridgeConfigs []string
}

// RateLimitConfig bounds the request rate on the ingress routes most
// exposed to untrusted callers: inbound webhooks (third-party
// platforms) and new duplex connection handshakes.
type RateLimitConfig struct {
	WebhookPerSecond int
	DuplexPerSecond  int
}

// DockerConfig configures the Docker Engine SDK connection used by
// the Local and Orchestrated driver shapes.
type DockerConfig struct {
	Host       string
	APIVersion string
}

// Config is the fully-resolved process configuration.
type Config struct {
	Server  ServerConfig
	Driver  DriverConfig
	Store   StoreConfig
	Logging LoggingConfig
	TitleGen TitleGenConfig
	NATS      NATSConfig
	Docker    DockerConfig
	GitHub    GitHubConfig
	RateLimit RateLimitConfig
}

// Load reads configuration from the environment (prefix DISPATCH_,
// nested keys using "_" as the viper key delimiter), applying defaults
// for everything it is not told.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_ms", 30000)
	v.SetDefault("server.write_timeout_ms", 30000)

	v.SetDefault("driver.kind", string(DriverLocal))
	v.SetDefault("driver.static_worker_url", "")
	v.SetDefault("driver.worker_image", "dispatch/worker:latest")
	v.SetDefault("driver.worker_port", 9000)
	v.SetDefault("driver.namespace", "dispatch")
	v.SetDefault("driver.workspace_storage", string(WorkspaceEphemeral))
	v.SetDefault("driver.storage_class", "")
	v.SetDefault("driver.cpu_limit", "1")
	v.SetDefault("driver.memory_limit", "512m")
	v.SetDefault("driver.idle_ttl_seconds", 300)
	v.SetDefault("driver.workspace_host_root", "./workspaces")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("titlegen.api_key", "")
	v.SetDefault("titlegen.base_url", "")
	v.SetDefault("titlegen.model", "")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.api_version", "")

	v.SetDefault("github.secret", "")
	v.SetDefault("github.trigger", "@dispatch")

	v.SetDefault("ratelimit.webhook_per_second", 10)
	v.SetDefault("ratelimit.duplex_per_second", 5)

	bindEnv(v, "server.port", "PORT")
	bindEnv(v, "driver.kind", "DRIVER")
	bindEnv(v, "driver.static_worker_url", "STATIC_WORKER_URL")
	bindEnv(v, "driver.worker_image", "WORKER_IMAGE")
	bindEnv(v, "driver.worker_port", "WORKER_PORT")
	bindEnv(v, "driver.namespace", "NAMESPACE")
	bindEnv(v, "driver.workspace_storage", "WORKSPACE_STORAGE")
	bindEnv(v, "driver.storage_class", "STORAGE_CLASS")
	bindEnv(v, "driver.idle_ttl_seconds", "IDLE_TTL_SECONDS")
	bindEnv(v, "driver.workspace_host_root", "WORKSPACE_HOST_ROOT")
	bindEnv(v, "store.driver", "STORE_DRIVER")
	bindEnv(v, "store.data_dir", "STORE_DATA_DIR")
	bindEnv(v, "store.dsn", "STORE_DSN")
	bindEnv(v, "titlegen.api_key", "TITLEGEN_API_KEY")
	bindEnv(v, "titlegen.base_url", "TITLEGEN_BASE_URL")
	bindEnv(v, "titlegen.model", "TITLEGEN_MODEL")
	bindEnv(v, "nats.url", "NATS_URL")
	bindEnv(v, "docker.host", "DOCKER_HOST")
	bindEnv(v, "docker.api_version", "DOCKER_API_VERSION")
	bindEnv(v, "github.secret", "GITHUB_WEBHOOK_SECRET")
	bindEnv(v, "github.trigger", "GITHUB_TRIGGER")
	bindEnv(v, "ratelimit.webhook_per_second", "RATELIMIT_WEBHOOK_PER_SECOND")
	bindEnv(v, "ratelimit.duplex_per_second", "RATELIMIT_DUPLEX_PER_SECOND")

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			ReadTimeoutMS:  v.GetInt("server.read_timeout_ms"),
			WriteTimeoutMS: v.GetInt("server.write_timeout_ms"),
		},
		Driver: DriverConfig{
			Kind:             DriverKind(strings.ToLower(v.GetString("driver.kind"))),
			StaticWorkerURL:  v.GetString("driver.static_worker_url"),
			WorkerImage:      v.GetString("driver.worker_image"),
			WorkerPort:       v.GetInt("driver.worker_port"),
			Namespace:        v.GetString("driver.namespace"),
			WorkspaceStorage: WorkspaceStorage(strings.ToLower(v.GetString("driver.workspace_storage"))),
			StorageClass:     v.GetString("driver.storage_class"),
			CPULimit:         v.GetString("driver.cpu_limit"),
			MemoryLimit:      v.GetString("driver.memory_limit"),
			IdleTTLSeconds:   v.GetInt("driver.idle_ttl_seconds"),
			WorkspaceHostRoot: v.GetString("driver.workspace_host_root"),
		},
		Store: StoreConfig{
			Driver:  strings.ToLower(v.GetString("store.driver")),
			DataDir: v.GetString("store.data_dir"),
			DSN:     v.GetString("store.dsn"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		TitleGen: TitleGenConfig{
			APIKey:  v.GetString("titlegen.api_key"),
			BaseURL: v.GetString("titlegen.base_url"),
			Model:   v.GetString("titlegen.model"),
		},
		NATS: NATSConfig{
			URL: v.GetString("nats.url"),
		},
		Docker: DockerConfig{
			Host:       v.GetString("docker.host"),
			APIVersion: v.GetString("docker.api_version"),
		},
		GitHub: GitHubConfig{
			Secret:  v.GetString("github.secret"),
			Trigger: v.GetString("github.trigger"),
		},
		RateLimit: RateLimitConfig{
			WebhookPerSecond: v.GetInt("ratelimit.webhook_per_second"),
			DuplexPerSecond:  v.GetInt("ratelimit.duplex_per_second"),
		},
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

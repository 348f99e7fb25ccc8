package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Planner       PlannerConfig
	Worker        WorkerConfig
	Transport     TransportConfig
	ObjectStore   ObjectStoreConfig
	Embedded      EmbeddedConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PlannerConfig struct {
	Hostname    string
	Port        int
	Principal   string
	User        string
	MaxAttempts int
	RetrySleep  time.Duration
}

type WorkerConfig struct {
	FetchSize     int
	Limit         int64
	MemLimit      int64
	ReplicaPolicy string
	LocalHostname string
	Parallelism   int
}

type TransportConfig struct {
	Scheme  string
	Timeout time.Duration
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type EmbeddedConfig struct {
	// Tables maps table names to object prefixes: "name=prefix,name2=prefix2".
	Tables        string
	WorkerHosts   string
	MaxSessions   int
	BatchSize     int
	TokenStoreDSN string
	TokenTTL      time.Duration

	// SessionIdleTimeout closes worker sessions that see no fetch for this
	// long.
	SessionIdleTimeout time.Duration
}

type AuthConfig struct {
	Required bool
	// StaticKeys maps API keys to users: "key:user,key2:user2".
	StaticKeys string
	// APIKey is sent by clients with every RPC.
	APIKey string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("RECORDMESH_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid RECORDMESH_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "RECORDMESH_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_PLANNER_HOSTNAME", &cfg.Planner.Hostname); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "RECORDMESH_PLANNER_PORT", &cfg.Planner.Port); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_PLANNER_PRINCIPAL", &cfg.Planner.Principal); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_PLANNER_USER", &cfg.Planner.User); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "RECORDMESH_PLANNER_MAX_ATTEMPTS", &cfg.Planner.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_PLANNER_RETRY_SLEEP", &cfg.Planner.RetrySleep); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "RECORDMESH_WORKER_FETCH_SIZE", &cfg.Worker.FetchSize); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "RECORDMESH_WORKER_LIMIT", &cfg.Worker.Limit); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "RECORDMESH_WORKER_MEM_LIMIT", &cfg.Worker.MemLimit); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_WORKER_REPLICA_POLICY", &cfg.Worker.ReplicaPolicy); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_WORKER_LOCAL_HOSTNAME", &cfg.Worker.LocalHostname); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "RECORDMESH_WORKER_PARALLELISM", &cfg.Worker.Parallelism); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_TRANSPORT_SCHEME", &cfg.Transport.Scheme); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_TRANSPORT_TIMEOUT", &cfg.Transport.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "RECORDMESH_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "RECORDMESH_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_EMBEDDED_TABLES", &cfg.Embedded.Tables); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_EMBEDDED_WORKER_HOSTS", &cfg.Embedded.WorkerHosts); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "RECORDMESH_EMBEDDED_MAX_SESSIONS", &cfg.Embedded.MaxSessions); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "RECORDMESH_EMBEDDED_BATCH_SIZE", &cfg.Embedded.BatchSize); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_EMBEDDED_TOKEN_STORE_DSN", &cfg.Embedded.TokenStoreDSN); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_EMBEDDED_SESSION_IDLE_TIMEOUT", &cfg.Embedded.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "RECORDMESH_EMBEDDED_TOKEN_TTL", &cfg.Embedded.TokenTTL); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "RECORDMESH_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "RECORDMESH_API_KEY", &cfg.Auth.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "RECORDMESH_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "RECORDMESH_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.Planner.Port <= 0 || cfg.Planner.Port > 65535 {
		return Config{}, fmt.Errorf("invalid RECORDMESH_PLANNER_PORT: %d", cfg.Planner.Port)
	}
	if cfg.Planner.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("RECORDMESH_PLANNER_MAX_ATTEMPTS must be >= 1")
	}
	switch cfg.Transport.Scheme {
	case "http", "https":
	default:
		return Config{}, fmt.Errorf("invalid RECORDMESH_TRANSPORT_SCHEME: %q", cfg.Transport.Scheme)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "recordmesh"},
		HTTP: HTTPConfig{
			Address:      ":12050",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Planner: PlannerConfig{
			Hostname:    "localhost",
			Port:        12050,
			MaxAttempts: 3,
			RetrySleep:  time.Second,
		},
		Worker: WorkerConfig{
			FetchSize:     5000,
			ReplicaPolicy: "random",
			Parallelism:   1,
		},
		Transport: TransportConfig{
			Scheme:  "http",
			Timeout: 60 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "recordmesh",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Embedded: EmbeddedConfig{
			WorkerHosts:        "localhost:12050",
			MaxSessions:        16,
			BatchSize:          1024,
			TokenTTL:           24 * time.Hour,
			SessionIdleTimeout: 10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18050"
		cfg.Planner.Port = 18050
		cfg.Planner.RetrySleep = 10 * time.Millisecond
		cfg.Embedded.WorkerHosts = "localhost:18050"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Transport.Scheme = "https"
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}

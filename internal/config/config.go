package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	SchemePairwise = "pairwise"
	SchemeThread   = "thread"

	EnvPrefix = "SECURE_MSG"

	// DevRealtimeHost is used in development when nothing else names a host.
	DevRealtimeHost = "localhost:8000"
	DevAPIURL       = "http://" + DevRealtimeHost
)

var (
	ErrMissingRealtimeHost = errors.New("realtime host is not configured")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

type (
	Config struct {
		Environment string `mapstructure:"environment"`
		LogLevel    string `mapstructure:"log_level"`

		API      APIConfig      `mapstructure:"api"`
		Realtime RealtimeConfig `mapstructure:"realtime"`
		Client   ClientConfig   `mapstructure:"client"`
		Server   ServerConfig   `mapstructure:"server"`
		Auth     AuthConfig     `mapstructure:"auth"`
	}

	APIConfig struct {
		URL string `mapstructure:"url"`
	}

	RealtimeConfig struct {
		Host string `mapstructure:"host"`
		// WSHost is the older SECURE_MSG_WS_HOST override, consulted after Host.
		WSHost               string        `mapstructure:"ws_host"`
		Secure               bool          `mapstructure:"secure"`
		HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
		MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
		BaseDelay            time.Duration `mapstructure:"base_delay"`
	}

	ClientConfig struct {
		User          string        `mapstructure:"user"`
		Token         string        `mapstructure:"token"`
		DataDir       string        `mapstructure:"data_dir"`
		LogFile       string        `mapstructure:"log_file"`
		DeviceName    string        `mapstructure:"device_name"`
		KeyScheme     string        `mapstructure:"key_scheme"`
		ThreadSecret  string        `mapstructure:"thread_secret"`
		TypingTimeout time.Duration `mapstructure:"typing_timeout"`
	}

	ServerConfig struct {
		Addr          string        `mapstructure:"addr"`
		MongoURI      string        `mapstructure:"mongo_uri"`
		MongoDatabase string        `mapstructure:"mongo_database"`
		RedisAddr     string        `mapstructure:"redis_addr"`
		RedisPassword string        `mapstructure:"redis_password"`
		RedisDB       int           `mapstructure:"redis_db"`
		PresenceTTL   time.Duration `mapstructure:"presence_ttl"`
	}

	AuthConfig struct {
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	}
)

// Load layers defaults, an optional config file, SECURE_MSG_* environment
// variables and args, in that order of precedence from low to high.
func Load(args []string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("secure_msg")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.secure_msg")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("realtime.ws_host", EnvPrefix+"_WS_HOST"); err != nil {
		return nil, err
	}

	setDefaults(v)

	fs := pflag.NewFlagSet("secure_msg", pflag.ContinueOnError)
	bindFlags(v, fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("log_level", "info")

	v.SetDefault("api.url", "")

	v.SetDefault("realtime.host", "")
	v.SetDefault("realtime.secure", false)
	v.SetDefault("realtime.heartbeat_interval", "30s")
	v.SetDefault("realtime.max_reconnect_attempts", 5)
	v.SetDefault("realtime.base_delay", "1s")

	v.SetDefault("client.user", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.data_dir", "~/.secure_msg")
	v.SetDefault("client.log_file", "")
	v.SetDefault("client.device_name", "terminal")
	v.SetDefault("client.key_scheme", SchemePairwise)
	v.SetDefault("client.thread_secret", "")
	v.SetDefault("client.typing_timeout", "1s")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("server.mongo_database", "secure_msg")
	v.SetDefault("server.redis_addr", "localhost:6379")
	v.SetDefault("server.redis_password", "")
	v.SetDefault("server.redis_db", 0)
	v.SetDefault("server.presence_ttl", "90s")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "24h")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file")
	fs.String("env", "", "Environment: development or production")
	fs.String("log-level", "", "Log level")
	fs.String("api-url", "", "Base URL of the REST relay")
	fs.String("realtime-host", "", "Host[:port] of the realtime endpoint")
	fs.String("user", "", "Your user id")
	fs.String("token", "", "Bearer token")
	fs.String("data-dir", "", "Directory for local state and logs")
	fs.String("key-scheme", "", "Message key scheme: pairwise or thread")
	fs.String("addr", "", "Relay listen address")

	v.BindPFlag("environment", fs.Lookup("env"))
	v.BindPFlag("log_level", fs.Lookup("log-level"))
	v.BindPFlag("api.url", fs.Lookup("api-url"))
	v.BindPFlag("realtime.host", fs.Lookup("realtime-host"))
	v.BindPFlag("client.user", fs.Lookup("user"))
	v.BindPFlag("client.token", fs.Lookup("token"))
	v.BindPFlag("client.data_dir", fs.Lookup("data-dir"))
	v.BindPFlag("client.key_scheme", fs.Lookup("key-scheme"))
	v.BindPFlag("server.addr", fs.Lookup("addr"))
}

func (c *Config) normalize() error {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("%w: environment %q", ErrInvalidConfig, c.Environment)
	}

	if c.Client.DataDir != "" {
		dir, err := homedir.Expand(filepath.Clean(c.Client.DataDir))
		if err != nil {
			return fmt.Errorf("%w: data dir: %v", ErrInvalidConfig, err)
		}
		c.Client.DataDir = dir
		if c.Client.LogFile == "" {
			c.Client.LogFile = filepath.Join(dir, "logs", "client.log")
		}
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// APIURL is the REST base URL. Development falls back to the local relay.
func (c *Config) APIURL() (string, error) {
	if c.API.URL != "" {
		return c.API.URL, nil
	}
	if c.Production() {
		return "", fmt.Errorf("%w: api.url is required in production", ErrInvalidConfig)
	}
	return DevAPIURL, nil
}

// ResolveRealtimeHost picks the realtime endpoint host: realtime.host, then
// SECURE_MSG_WS_HOST. Production requires one of them; development falls
// back to the host of api.url and then to the local relay.
func (c *Config) ResolveRealtimeHost() (string, error) {
	for _, h := range []string{c.Realtime.Host, c.Realtime.WSHost} {
		if h = strings.TrimSpace(h); h != "" {
			return h, nil
		}
	}

	if c.Production() {
		return "", ErrMissingRealtimeHost
	}

	if c.API.URL != "" {
		if u, err := url.Parse(c.API.URL); err == nil && u.Host != "" {
			return u.Host, nil
		}
	}
	return DevRealtimeHost, nil
}

// RealtimeSecure reports whether wss should be used: explicitly, or because
// the REST relay is served over https.
func (c *Config) RealtimeSecure() bool {
	if c.Realtime.Secure {
		return true
	}
	u, err := url.Parse(c.API.URL)
	return err == nil && u.Scheme == "https"
}

func (c *Config) ValidateClient() error {
	if c.Client.User == "" {
		return fmt.Errorf("%w: user is required (use --user flag or %s_CLIENT_USER env var)", ErrInvalidConfig, EnvPrefix)
	}
	if c.Client.Token == "" {
		return fmt.Errorf("%w: token is required (use --token flag or %s_CLIENT_TOKEN env var)", ErrInvalidConfig, EnvPrefix)
	}
	switch c.Client.KeyScheme {
	case SchemePairwise:
	case SchemeThread:
		if c.Client.ThreadSecret == "" {
			return fmt.Errorf("%w: client.thread_secret is required for the thread key scheme", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown key scheme %q", ErrInvalidConfig, c.Client.KeyScheme)
	}
	if _, err := c.APIURL(); err != nil {
		return err
	}
	if _, err := c.ResolveRealtimeHost(); err != nil {
		return err
	}
	return nil
}

func (c *Config) ValidateServer() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("%w: auth.secret is required (%s_AUTH_SECRET)", ErrInvalidConfig, EnvPrefix)
	}
	if c.Production() && len(c.Auth.Secret) < 32 {
		return fmt.Errorf("%w: auth.secret must be at least 32 bytes in production", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("%w: server.addr %q: %v", ErrInvalidConfig, c.Server.Addr, err)
	}
	return nil
}

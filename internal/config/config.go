package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/webengine/pkg/codec"
	"github.com/vango-dev/webengine/pkg/server"
)

// DefaultFileNames are tried in order by Find.
var DefaultFileNames = []string{"webengine.yaml", "webengine.yml", "webengine.json"}

// ErrNotFound is returned by Find when no configuration file exists.
var ErrNotFound = errors.New("config: no configuration file found")

// Duration is a time.Duration written as a string ("30s", "5m").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete configuration file.
type Config struct {
	Server    ServerSection    `yaml:"server" json:"server"`
	WebSocket WebSocketSection `yaml:"websocket" json:"websocket"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	Upload    UploadConfig     `yaml:"upload" json:"upload"`
	Static    []StaticDir      `yaml:"static" json:"static"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`

	path string
}

// ServerSection configures the engine and its HTTP listener.
type ServerSection struct {
	Address              string   `yaml:"address" json:"address"`
	Workers              int      `yaml:"workers" json:"workers"`
	QueueSize            int      `yaml:"queueSize" json:"queueSize"`
	ReadTimeout          Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout         Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout          Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout      Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	DefaultRequestType   string   `yaml:"defaultRequestType" json:"defaultRequestType"`
	DefaultResponseType  string   `yaml:"defaultResponseType" json:"defaultResponseType"`
	AllowedResponseTypes []string `yaml:"allowedResponseTypes" json:"allowedResponseTypes"`
	MaxBodySize          int64    `yaml:"maxBodySize" json:"maxBodySize"`
	FileCheckInterval    Duration `yaml:"fileCheckInterval" json:"fileCheckInterval"`
	StaticMaxAge         Duration `yaml:"staticMaxAge" json:"staticMaxAge"`
	SyncBaseURL          string   `yaml:"syncBaseURL" json:"syncBaseURL"`
	TokenCookie          string   `yaml:"tokenCookie" json:"tokenCookie"`
	Compress             bool     `yaml:"compress" json:"compress"`
	Debug                bool     `yaml:"debug" json:"debug"`
}

// WebSocketSection configures WebSocket sessions.
type WebSocketSection struct {
	MaxMessageSize int64    `yaml:"maxMessageSize" json:"maxMessageSize"`
	ReadTimeout    Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout" json:"writeTimeout"`
	Heartbeat      Duration `yaml:"heartbeat" json:"heartbeat"`
	SendQueueSize  int      `yaml:"sendQueueSize" json:"sendQueueSize"`
	Compression    bool     `yaml:"compression" json:"compression"`
}

// Auth drivers.
const (
	AuthNone     = ""
	AuthMemory   = "memory"
	AuthSQLite   = "sqlite"
	AuthPostgres = "postgres"
)

// AuthConfig selects the credential store.
type AuthConfig struct {
	Driver   string    `yaml:"driver" json:"driver"`
	DSN      string    `yaml:"dsn" json:"dsn"`
	Table    string    `yaml:"table" json:"table"`
	MinConns int       `yaml:"minConns" json:"minConns"`
	MaxConns int       `yaml:"maxConns" json:"maxConns"`
	TokenTTL Duration  `yaml:"tokenTTL" json:"tokenTTL"`
	Accounts []Account `yaml:"accounts" json:"accounts"`
}

// Account is seeded into the credential store at startup.
type Account struct {
	Username     string   `yaml:"username" json:"username"`
	Password     string   `yaml:"password" json:"password"`
	Level        int      `yaml:"level" json:"level"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
}

// Upload drivers.
const (
	UploadNone = ""
	UploadDisk = "disk"
	UploadS3   = "s3"
)

// UploadConfig selects the upload store.
type UploadConfig struct {
	Driver       string   `yaml:"driver" json:"driver"`
	Path         string   `yaml:"path" json:"path"`
	Dir          string   `yaml:"dir" json:"dir"`
	MaxFileSize  int64    `yaml:"maxFileSize" json:"maxFileSize"`
	AllowedTypes []string `yaml:"allowedTypes" json:"allowedTypes"`
	TempExpiry   Duration `yaml:"tempExpiry" json:"tempExpiry"`
	S3           S3Config `yaml:"s3" json:"s3"`
}

// S3Config configures the S3 upload store.
type S3Config struct {
	Bucket          string   `yaml:"bucket" json:"bucket"`
	Prefix          string   `yaml:"prefix" json:"prefix"`
	Region          string   `yaml:"region" json:"region"`
	Endpoint        string   `yaml:"endpoint" json:"endpoint"`
	PathStyle       bool     `yaml:"pathStyle" json:"pathStyle"`
	AccessKeyID     string   `yaml:"accessKeyID" json:"accessKeyID"`
	SecretAccessKey string   `yaml:"secretAccessKey" json:"secretAccessKey"`
	SessionToken    string   `yaml:"sessionToken" json:"sessionToken"`
	URLExpiry       Duration `yaml:"urlExpiry" json:"urlExpiry"`
}

// StaticDir maps a URL prefix to a directory.
type StaticDir struct {
	URL string `yaml:"url" json:"url"`
	Dir string `yaml:"dir" json:"dir"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Disabled  bool   `yaml:"disabled" json:"disabled"`
}

// New creates a Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Find returns the first of DefaultFileNames present in dir.
func Find(dir string) (string, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// LoadFile reads, expands, parses and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes data as YAML, or JSON when ext is ".json", after
// expanding environment references.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(strings.NewReader(string(expanded)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(strings.NewReader(string(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported extension %q", ext)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory containing the config file. Relative paths in
// the file are resolved against it.
func (c *Config) Dir() string {
	if c.path == "" {
		return "."
	}
	return filepath.Dir(c.path)
}

// Resolve returns p relative to the config directory unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

func (c *Config) applyDefaults() {
	s := &c.Server
	if s.Address == "" {
		s.Address = ":8080"
	}
	if s.Workers <= 0 {
		s.Workers = runtime.NumCPU() * 3
	}
	if s.QueueSize <= 0 {
		s.QueueSize = s.Workers * 10
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(30 * time.Second)
	}
	if s.DefaultRequestType == "" {
		s.DefaultRequestType = "json"
	}
	if s.DefaultResponseType == "" {
		s.DefaultResponseType = "json"
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = Duration(12 * time.Hour)
	}

	u := &c.Upload
	if u.Path == "" {
		u.Path = "/upload"
	}
	if u.Driver == UploadDisk && u.Dir == "" {
		u.Dir = filepath.Join(os.TempDir(), "webengine-uploads")
	}
	if u.TempExpiry == 0 {
		u.TempExpiry = Duration(time.Hour)
	}
	if u.S3.URLExpiry == 0 {
		u.S3.URLExpiry = Duration(24 * time.Hour)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "webengine"
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	s := c.Server
	if s.Workers < 1 {
		errs = append(errs, errors.New("server.workers must be positive"))
	}
	if s.MaxBodySize < 0 {
		errs = append(errs, errors.New("server.maxBodySize must not be negative"))
	}
	for _, name := range append([]string{s.DefaultRequestType, s.DefaultResponseType}, s.AllowedResponseTypes...) {
		if _, err := codec.ParseBodyType(name); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	}

	switch c.Auth.Driver {
	case AuthNone, AuthMemory:
	case AuthSQLite, AuthPostgres:
		if c.Auth.DSN == "" {
			errs = append(errs, fmt.Errorf("auth.dsn is required for driver %q", c.Auth.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.driver %q is not one of memory, sqlite, postgres", c.Auth.Driver))
	}
	for i, a := range c.Auth.Accounts {
		if a.Username == "" || a.Password == "" {
			errs = append(errs, fmt.Errorf("auth.accounts[%d] needs a username and password", i))
		}
	}
	if len(c.Auth.Accounts) > 0 && c.Auth.Driver == AuthNone {
		errs = append(errs, errors.New("auth.accounts requires an auth.driver"))
	}

	switch c.Upload.Driver {
	case UploadNone, UploadDisk:
	case UploadS3:
		if c.Upload.S3.Bucket == "" {
			errs = append(errs, errors.New("upload.s3.bucket is required"))
		}
		if c.Upload.S3.Region == "" {
			errs = append(errs, errors.New("upload.s3.region is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.driver %q is not one of disk, s3", c.Upload.Driver))
	}
	if !strings.HasPrefix(c.Upload.Path, "/") {
		errs = append(errs, errors.New("upload.path must start with /"))
	}

	for i, d := range c.Static {
		if d.Dir == "" {
			errs = append(errs, fmt.Errorf("static[%d].dir is required", i))
		}
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.New("metrics.path must start with /"))
	}
	return errors.Join(errs...)
}

// ServerConfig converts the file settings into an engine configuration.
// Unset values keep the engine defaults.
func (c *Config) ServerConfig() *server.ServerConfig {
	s := c.Server
	sc := server.DefaultServerConfig()
	sc.Address = s.Address
	sc.WorkerCount = s.Workers
	sc.QueueSize = s.QueueSize
	setDuration(&sc.ReadTimeout, s.ReadTimeout)
	setDuration(&sc.WriteTimeout, s.WriteTimeout)
	setDuration(&sc.IdleTimeout, s.IdleTimeout)
	setDuration(&sc.ShutdownTimeout, s.ShutdownTimeout)
	setDuration(&sc.FileCheckInterval, s.FileCheckInterval)
	setDuration(&sc.StaticMaxAge, s.StaticMaxAge)
	sc.SyncBaseURL = s.SyncBaseURL
	if s.MaxBodySize > 0 {
		sc.MaxBodySize = s.MaxBodySize
	}
	if s.TokenCookie != "" {
		sc.TokenCookie = s.TokenCookie
	}
	sc.Debug = s.Debug

	// Validate has already checked every name.
	sc.DefaultRequestType, _ = codec.ParseBodyType(s.DefaultRequestType)
	sc.DefaultResponseType, _ = codec.ParseBodyType(s.DefaultResponseType)
	for _, name := range s.AllowedResponseTypes {
		t, _ := codec.ParseBodyType(name)
		sc.AllowedResponseTypes = append(sc.AllowedResponseTypes, t)
	}

	ws := c.WebSocket
	if ws.MaxMessageSize > 0 {
		sc.WebSocket.MaxMessageSize = ws.MaxMessageSize
	}
	setDuration(&sc.WebSocket.ReadTimeout, ws.ReadTimeout)
	setDuration(&sc.WebSocket.WriteTimeout, ws.WriteTimeout)
	setDuration(&sc.WebSocket.HeartbeatInterval, ws.Heartbeat)
	if ws.SendQueueSize > 0 {
		sc.WebSocket.SendQueueSize = ws.SendQueueSize
	}
	sc.WebSocket.EnableCompression = ws.Compression

	sc.MetricsNamespace = c.Metrics.Namespace
	return sc
}

func setDuration(dst *time.Duration, d Duration) {
	if d != 0 {
		*dst = d.Std()
	}
}

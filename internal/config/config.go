package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable consulted by ApplyEnv.
const EnvPrefix = "S3PROBE_"

// FileEnv names the YAML configuration file when no path is given
// explicitly.
const FileEnv = EnvPrefix + "CONFIG"

// Config holds every tunable of a conformance run. It is constructed once by
// the launcher and passed explicitly to every component that needs it.
type Config struct {
	// Data plane.
	AccessServer    string `yaml:"access_server"`
	AltAccessServer string `yaml:"alt_access_server"`
	AccessPort      int    `yaml:"access_port"`
	AccessSSL       bool   `yaml:"access_ssl"`
	AccessKey       string `yaml:"access_key"`
	AccessSecret    string `yaml:"access_secret"`
	AltAccessKey    string `yaml:"alt_access_key"`
	AltAccessSecret string `yaml:"alt_access_secret"`

	// Control plane.
	ControlEndpoint    string        `yaml:"control_endpoint"`
	TokenEndpoint      string        `yaml:"token_endpoint"`
	AltControlEndpoint string        `yaml:"alt_control_endpoint"`
	AltTokenEndpoint   string        `yaml:"alt_token_endpoint"`
	AdminUsername      string        `yaml:"admin_username"`
	AdminPassword      string        `yaml:"admin_password"`
	Token              string        `yaml:"token"`
	TokenFile          string        `yaml:"token_file"`
	CacheToken         bool          `yaml:"cache_token"`
	AuthTokenMinLength int           `yaml:"auth_token_min_length"`
	AuthTokenMaxLength int           `yaml:"auth_token_max_length"`
	MaxLoginTime       time.Duration `yaml:"max_login_time"`
	Namespace          string        `yaml:"namespace"`

	// Transport.
	VerifySSL      bool              `yaml:"verify_ssl"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	DNSOverrides   map[string]string `yaml:"dns_overrides"`

	// Test selection.
	TestTarget                string   `yaml:"test_target"`
	TestType                  string   `yaml:"test_type"`
	RunDisabled               bool     `yaml:"run_disabled"`
	FailTriage                bool     `yaml:"fail_triage"`
	Tags                      []string `yaml:"tags"`
	DNSBucketNamingConvention bool     `yaml:"dns_bucket_naming_convention"`
	NodesPerSite              int      `yaml:"nodes_per_site"`
	ReuseBucketName           string   `yaml:"reuse_bucket_name"`
	Verbose                   bool     `yaml:"verbose"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		AccessServer:       "localhost",
		AccessPort:         3128,
		AccessKey:          "mykey",
		AccessSecret:       "mysecret",
		AltAccessKey:       "myaltkey",
		AltAccessSecret:    "myaltsecret",
		ControlEndpoint:    "https://127.0.0.1:4443",
		TokenEndpoint:      "https://127.0.0.1:4443/login",
		AltControlEndpoint: "https://127.0.0.1:4443",
		AltTokenEndpoint:   "https://127.0.0.1:4443/login",
		AdminUsername:      "username",
		AdminPassword:      "password",
		TokenFile:          "/tmp/s3probe-auth-token",
		CacheToken:         true,
		AuthTokenMinLength: 1,
		AuthTokenMaxLength: 512,
		MaxLoginTime:       3 * time.Second,
		Namespace:          "namespace1",
		RequestTimeout:     15 * time.Second,
		TestTarget:         "AWSS3",
		TestType:           "compatibility",
		NodesPerSite:       1,
	}
}

type ConfigOption func(*Config)

func WithAccessServer(server string, port int, ssl bool) ConfigOption {
	return func(cfg *Config) {
		cfg.AccessServer = server
		cfg.AccessPort = port
		cfg.AccessSSL = ssl
	}
}

func WithCredentials(accessKey, secret string) ConfigOption {
	return func(cfg *Config) {
		cfg.AccessKey = accessKey
		cfg.AccessSecret = secret
	}
}

func WithAltCredentials(accessKey, secret string) ConfigOption {
	return func(cfg *Config) {
		cfg.AltAccessKey = accessKey
		cfg.AltAccessSecret = secret
	}
}

func WithTarget(target string) ConfigOption {
	return func(cfg *Config) {
		cfg.TestTarget = target
	}
}

func WithTestType(testType string) ConfigOption {
	return func(cfg *Config) {
		cfg.TestType = testType
	}
}

func WithControlEndpoint(endpoint string) ConfigOption {
	return func(cfg *Config) {
		cfg.ControlEndpoint = endpoint
		cfg.TokenEndpoint = strings.TrimSuffix(endpoint, "/") + "/login"
	}
}

func WithRequestTimeout(timeout time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.RequestTimeout = timeout
	}
}

func WithDNSOverride(host, ip string) ConfigOption {
	return func(cfg *Config) {
		if cfg.DNSOverrides == nil {
			cfg.DNSOverrides = make(map[string]string)
		}
		cfg.DNSOverrides[host] = ip
	}
}

// NewConfig applies opts on top of Default.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Load reads the YAML file at path over the defaults, then applies the
// process environment and finally opts. An empty path skips the file.
func Load(path string, opts ...ConfigOption) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from variables named EnvPrefix + NAME, using
// lookup to resolve them.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := ParseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ACCESS_SERVER", &c.AccessServer)
	str("ALT_ACCESS_SERVER", &c.AltAccessServer)
	integer("ACCESS_PORT", &c.AccessPort)
	boolean("ACCESS_SSL", &c.AccessSSL)
	str("ACCESS_KEY", &c.AccessKey)
	str("ACCESS_SECRET", &c.AccessSecret)
	str("ALT_ACCESS_KEY", &c.AltAccessKey)
	str("ALT_ACCESS_SECRET", &c.AltAccessSecret)

	str("CONTROL_ENDPOINT", &c.ControlEndpoint)
	str("TOKEN_ENDPOINT", &c.TokenEndpoint)
	str("ALT_CONTROL_ENDPOINT", &c.AltControlEndpoint)
	str("ALT_TOKEN_ENDPOINT", &c.AltTokenEndpoint)
	str("ADMIN_USERNAME", &c.AdminUsername)
	str("ADMIN_PASSWORD", &c.AdminPassword)
	str("TOKEN", &c.Token)
	str("TOKEN_FILENAME", &c.TokenFile)
	boolean("CACHE_TOKEN", &c.CacheToken)
	integer("AUTH_TOKEN_MIN_LENGTH", &c.AuthTokenMinLength)
	integer("AUTH_TOKEN_MAX_LENGTH", &c.AuthTokenMaxLength)
	duration("MAX_LOGIN_TIME", &c.MaxLoginTime)
	str("NAMESPACE", &c.Namespace)

	boolean("VERIFY_SSL", &c.VerifySSL)
	duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	if v, ok := lookup(EnvPrefix + "DNS_OVERRIDES"); ok {
		overrides, err := ParseDNSOverrides(strings.Split(v, ","))
		if err != nil {
			errs = append(errs, err)
		} else {
			c.DNSOverrides = overrides
		}
	}

	str("TEST_TARGET", &c.TestTarget)
	str("TEST_TYPE", &c.TestType)
	boolean("RUN_DISABLED", &c.RunDisabled)
	boolean("FAIL_TRIAGE", &c.FailTriage)
	if v, ok := lookup(EnvPrefix + "TAGS"); ok {
		c.Tags = splitList(v)
	}
	boolean("DNS_BUCKET_NAMING_CONVENTION", &c.DNSBucketNamingConvention)
	integer("NODES_PER_SITE", &c.NodesPerSite)
	str("REUSE_BUCKET_NAME", &c.ReuseBucketName)
	boolean("VERBOSE_OUTPUT", &c.Verbose)

	return errors.Join(errs...)
}

// Validate reports configuration that no component could work with.
func (c Config) Validate() error {
	var errs []error
	if c.AccessServer == "" {
		errs = append(errs, errors.New("access server must not be empty"))
	}
	if c.AccessPort <= 0 || c.AccessPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid access port: %d", c.AccessPort))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid request timeout: %s", c.RequestTimeout))
	}
	if c.NodesPerSite < 1 {
		errs = append(errs, fmt.Errorf("invalid nodes per site: %d", c.NodesPerSite))
	}
	if c.AuthTokenMinLength > c.AuthTokenMaxLength {
		errs = append(errs, fmt.Errorf("auth token min length %d exceeds max length %d", c.AuthTokenMinLength, c.AuthTokenMaxLength))
	}
	return errors.Join(errs...)
}

// Scheme returns the data plane URL scheme.
func (c Config) Scheme() string {
	if c.AccessSSL {
		return "https"
	}
	return "http"
}

// HostPort returns server:port for server, or for the primary access server
// when server is empty.
func (c Config) HostPort(server string) string {
	if server == "" {
		server = c.AccessServer
	}
	return net.JoinHostPort(server, strconv.Itoa(c.AccessPort))
}

// Endpoint returns the base URL of the primary data plane node.
func (c Config) Endpoint() string {
	return c.Scheme() + "://" + c.HostPort("")
}

// AccessServers returns the configured data plane nodes, primary first.
func (c Config) AccessServers() []string {
	servers := []string{c.AccessServer}
	if c.AltAccessServer != "" {
		servers = append(servers, c.AltAccessServer)
	}
	return servers
}

// Environ renders the configuration as EnvPrefix variables so a child
// process calling Load sees the same settings.
func (c Config) Environ() []string {
	b := func(v bool) string {
		if v {
			return "1"
		}
		return "0"
	}
	secs := func(d time.Duration) string {
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	}

	overrides := make([]string, 0, len(c.DNSOverrides))
	for host, ip := range c.DNSOverrides {
		overrides = append(overrides, host+":"+ip)
	}

	vars := [][2]string{
		{"ACCESS_SERVER", c.AccessServer},
		{"ALT_ACCESS_SERVER", c.AltAccessServer},
		{"ACCESS_PORT", strconv.Itoa(c.AccessPort)},
		{"ACCESS_SSL", b(c.AccessSSL)},
		{"ACCESS_KEY", c.AccessKey},
		{"ACCESS_SECRET", c.AccessSecret},
		{"ALT_ACCESS_KEY", c.AltAccessKey},
		{"ALT_ACCESS_SECRET", c.AltAccessSecret},
		{"CONTROL_ENDPOINT", c.ControlEndpoint},
		{"TOKEN_ENDPOINT", c.TokenEndpoint},
		{"ALT_CONTROL_ENDPOINT", c.AltControlEndpoint},
		{"ALT_TOKEN_ENDPOINT", c.AltTokenEndpoint},
		{"ADMIN_USERNAME", c.AdminUsername},
		{"ADMIN_PASSWORD", c.AdminPassword},
		{"TOKEN", c.Token},
		{"TOKEN_FILENAME", c.TokenFile},
		{"CACHE_TOKEN", b(c.CacheToken)},
		{"AUTH_TOKEN_MIN_LENGTH", strconv.Itoa(c.AuthTokenMinLength)},
		{"AUTH_TOKEN_MAX_LENGTH", strconv.Itoa(c.AuthTokenMaxLength)},
		{"MAX_LOGIN_TIME", secs(c.MaxLoginTime)},
		{"NAMESPACE", c.Namespace},
		{"VERIFY_SSL", b(c.VerifySSL)},
		{"REQUEST_TIMEOUT", secs(c.RequestTimeout)},
		{"DNS_OVERRIDES", strings.Join(overrides, ",")},
		{"TEST_TARGET", c.TestTarget},
		{"TEST_TYPE", c.TestType},
		{"RUN_DISABLED", b(c.RunDisabled)},
		{"FAIL_TRIAGE", b(c.FailTriage)},
		{"TAGS", strings.Join(c.Tags, ",")},
		{"DNS_BUCKET_NAMING_CONVENTION", b(c.DNSBucketNamingConvention)},
		{"NODES_PER_SITE", strconv.Itoa(c.NodesPerSite)},
		{"REUSE_BUCKET_NAME", c.ReuseBucketName},
		{"VERBOSE_OUTPUT", b(c.Verbose)},
	}

	env := make([]string, 0, len(vars))
	for _, kv := range vars {
		env = append(env, EnvPrefix+kv[0]+"="+kv[1])
	}
	return env
}

// ParseSeconds accepts either a Go duration ("15s") or a bare number of
// seconds ("15.0").
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// ParseDNSOverrides parses "host:ip" pairs. Empty entries are ignored.
func ParseDNSOverrides(entries []string) (map[string]string, error) {
	overrides := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, ip, ok := strings.Cut(entry, ":")
		if !ok || host == "" || net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("invalid dns override %q, expected host:ip", entry)
		}
		overrides[host] = ip
	}
	return overrides, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

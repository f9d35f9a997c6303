package config

import (
	"os"
	"path/filepath"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/creasty/defaults"
	"github.com/gbrlsnchs/jwt/v3"
	"gopkg.in/yaml.v2"
)

// DefaultLocation is where the daemon expects to find its configuration
// unless overridden with the --config flag.
const DefaultLocation = "/etc/forge/config.yml"

var (
	mu            sync.RWMutex
	_config       *Configuration
	_jwtAlgo      *jwt.HMACSHA
	_debugViaFlag bool
)

// Locker specific to writing the configuration to the disk, this happens
// in areas that might already be locked, so we don't want to crash the process.
var _writeLock sync.Mutex

// ApiConfiguration defines the configuration for the HTTP API exposed
// by the daemon.
type ApiConfiguration struct {
	// The interface that the webserver should bind to.
	Host string `default:"0.0.0.0" yaml:"host"`

	// The port that the webserver should bind to.
	Port int `default:"8080" yaml:"port"`

	// Docs controls whether the Swagger UI is served.
	Docs DocsConfiguration `yaml:"docs"`

	// SSL configuration for the daemon.
	Ssl struct {
		Enabled         bool   `json:"enabled" yaml:"enabled"`
		CertificateFile string `json:"cert" yaml:"cert"`
		KeyFile         string `json:"key" yaml:"key"`
	}

	// The maximum size for module archives uploaded through the API in MiB.
	UploadLimit int64 `default:"100" json:"upload_limit" yaml:"upload_limit"`

	// UploadsPerMinute throttles how many archive uploads a client may
	// start within a one minute window. Zero disables the throttle.
	UploadsPerMinute int `default:"6" yaml:"uploads_per_minute"`

	// A list of IP address of proxies that may send a X-Forwarded-For
	// header to set the true clients IP.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
}

type DocsConfiguration struct {
	Enabled bool `default:"true" yaml:"enabled"`
}

// SystemConfiguration defines basic system configuration settings.
type SystemConfiguration struct {
	// The root directory where all daemon data is stored at.
	RootDirectory string `default:"/var/lib/forge" json:"-" yaml:"root_directory"`

	// Directory where daemon logs are stored.
	LogDirectory string `default:"/var/log/forge" json:"-" yaml:"log_directory"`

	// ModulesDirectory is where installed modules live, one directory
	// per module, the directory name being the case-sensitive folder
	// name derived at install time.
	ModulesDirectory string `default:"/var/lib/forge/modules" json:"-" yaml:"modules_directory"`

	// PublicDirectory is the public asset root that pre-built module
	// assets get published into under build-{slug}/.
	PublicDirectory string `default:"/var/lib/forge/public" json:"-" yaml:"public_directory"`

	// TmpDirectory is where uploaded archives are extracted before the
	// conflict check and install move them into place.
	TmpDirectory string `default:"/tmp/forge" json:"-" yaml:"tmp_directory"`

	// StatusFile is the flat JSON file recording which modules are
	// enabled, keyed by canonical lowercase identifier.
	StatusFile string `default:"/var/lib/forge/modules_statuses.json" json:"-" yaml:"status_file"`

	// DatabaseFile holds the local marketplace and license tables used
	// in self-hosted mode.
	DatabaseFile string `default:"/var/lib/forge/forge.db" json:"-" yaml:"database_file"`

	// The timezone for this daemon instance, falls back to UTC when
	// it cannot be detected.
	Timezone string `yaml:"timezone"`
}

// FrameworkConfiguration describes how module enable/disable and
// migration commands are shelled out to the host CMS.
type FrameworkConfiguration struct {
	// Binary is the host CMS console entrypoint, e.g. "pressify".
	Binary string `default:"pressify" yaml:"binary"`

	// WorkingDirectory the command runs from, usually the CMS root.
	WorkingDirectory string `default:"/var/www/pressify" yaml:"working_directory"`

	// CommandTimeout is the number of seconds a framework command may
	// run before it is killed. These commands are one of the two
	// operations capable of hanging indefinitely.
	CommandTimeout int `default:"120" yaml:"command_timeout"`
}

// MarketplaceConfiguration defines settings for update checks and
// license verification against the module marketplace.
type MarketplaceConfiguration struct {
	// Enabled globally toggles update checking. When disabled the
	// checker short-circuits to an empty success result.
	Enabled bool `default:"true" yaml:"enabled"`

	// URL is the marketplace base location. When it exactly matches
	// AppURL the daemon queries its local marketplace tables instead
	// of making an HTTP loopback call to itself.
	URL string `default:"https://market.pressify.io" yaml:"url"`

	// AppURL is the public URL of the application this daemon serves.
	AppURL string `yaml:"app_url"`

	// Domain reported in update-check and license payloads.
	Domain string `yaml:"domain"`

	// RuntimeVersion is the host CMS runtime version string included
	// in the inventory payload (sent as "php" on the wire for
	// contract compatibility).
	RuntimeVersion string `default:"8.3" yaml:"runtime_version"`

	// Timeout in seconds for marketplace HTTP calls. One retry is
	// attempted on connection failure.
	Timeout int `default:"20" yaml:"timeout"`

	// CacheTTLHours is how long a successful update-check result is
	// served from cache before a fresh call is made.
	CacheTTLHours int `default:"6" yaml:"cache_ttl_hours"`

	// FallbackThrottleMinutes gates opportunistic checks triggered by
	// admin page views when no scheduler is configured.
	FallbackThrottleMinutes int `default:"60" yaml:"fallback_throttle_minutes"`

	// CheckIntervalHours is the periodic scheduler interval. Zero
	// disables the scheduler entirely.
	CheckIntervalHours int `default:"12" yaml:"check_interval_hours"`

	// CustomHeaders are included in all marketplace requests, useful
	// for access-gated marketplaces.
	CustomHeaders map[string]string `yaml:"custom_headers"`
}

type Token struct {
	ID    string
	Token string
}

type Configuration struct {
	Token Token `json:"-" yaml:"-"`

	// The location from which this configuration instance was instantiated.
	path string

	// Determines if the daemon should be running in debug mode. This value
	// is ignored if the debug flag is passed through the command line arguments.
	Debug bool

	AppName string `default:"Forge" json:"app_name" yaml:"app_name"`

	// An identifier for the token which must be included in any requests
	// to this daemon so that the token can be looked up correctly.
	AuthenticationTokenId string `json:"token_id" yaml:"token_id"`

	// The token used when performing operations. Requests to this instance
	// must validate against it.
	AuthenticationToken string `json:"token" yaml:"token"`

	Api         ApiConfiguration         `json:"api" yaml:"api"`
	System      SystemConfiguration      `json:"system" yaml:"system"`
	Framework   FrameworkConfiguration   `json:"framework" yaml:"framework"`
	Marketplace MarketplaceConfiguration `json:"marketplace" yaml:"marketplace"`
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options
	// present in the structs. Values set in the configuration file take
	// priority over the default values.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	c.path = path
	return &c, nil
}

// Set the global configuration instance. This is a blocking operation such that
// anything trying to set a different configuration value, or read the configuration
// will be paused until it is complete.
func Set(c *Configuration) {
	mu.Lock()
	defer mu.Unlock()
	token := c.Token.Token
	if token == "" {
		c.Token.Token = c.AuthenticationToken
		token = c.Token.Token
	}
	if _config == nil || _config.Token.Token != token {
		_jwtAlgo = jwt.NewHS256([]byte(token))
	}
	_config = c
}

// SetDebugViaFlag tracks if the application is running in debug mode because of
// a command line flag argument. If so we do not want to store that configuration
// change to the disk.
func SetDebugViaFlag(d bool) {
	mu.Lock()
	defer mu.Unlock()
	_config.Debug = d
	_debugViaFlag = d
}

// Get returns the global configuration instance. This is a thread-safe operation
// that will block if the configuration is presently being modified.
//
// Be aware that you CANNOT make modifications to the currently stored configuration
// by modifying the struct returned by this function. The only way to make
// modifications is by using the Update() function and passing data through in
// the callback.
func Get() *Configuration {
	mu.RLock()
	// Create a copy of the struct so that all modifications made beyond this
	// point are immutable.
	//goland:noinspection GoVetCopyLock
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock. This is the correct way to make modifications to
// the global configuration.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	defer mu.Unlock()
	callback(_config)
}

// GetJwtAlgorithm returns the in-memory JWT algorithm used to sign the
// short-lived download tokens issued for paid module archives.
func GetJwtAlgorithm() *jwt.HMACSHA {
	mu.RLock()
	defer mu.RUnlock()
	return _jwtAlgo
}

// FromFile reads the configuration from the provided file and stores it in
// the global singleton for this instance.
func FromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.WithMessage(err, "config: could not read configuration from disk")
	}

	c, err := NewAtPath(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.WithMessage(err, "config: could not decode configuration file")
	}

	Set(c)
	return nil
}

// WriteToDisk writes the configuration to the disk. This is a thread safe
// operation and will only allow one write at a time.
func WriteToDisk(c *Configuration) error {
	_writeLock.Lock()
	defer _writeLock.Unlock()

	ccopy := *c
	if _debugViaFlag {
		ccopy.Debug = false
	}
	if c.path == "" {
		return errors.New("config: cannot write to disk, no path defined in struct")
	}

	b, err := yaml.Marshal(&ccopy)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return err
	}
	return nil
}

// EnsureDirectories makes sure the data directories the daemon relies on
// exist before anything tries to touch them.
func EnsureDirectories() error {
	cfg := Get()
	for _, dir := range []string{
		cfg.System.RootDirectory,
		cfg.System.LogDirectory,
		cfg.System.ModulesDirectory,
		cfg.System.PublicDirectory,
		cfg.System.TmpDirectory,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WithMessage(err, "config: failed to create directory")
		}
	}
	return nil
}

// ConfigureTimezone sets the timezone data for the daemon, falling back
// to UTC when one is not defined on the system or in the file.
func ConfigureTimezone() error {
	tz := os.Getenv("TZ")
	Update(func(c *Configuration) {
		if c.System.Timezone == "" && tz != "" {
			c.System.Timezone = tz
		}
		if c.System.Timezone == "" {
			c.System.Timezone = "UTC"
		}
	})

	c := Get()
	if err := os.Setenv("TZ", c.System.Timezone); err != nil {
		log.WithField("timezone", c.System.Timezone).WithField("error", err).Warn("failed to set TZ environment variable")
	}
	return nil
}

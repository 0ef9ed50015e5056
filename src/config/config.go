package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/huddlemesh/huddle/src/common"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database.
	DefaultBadgerFile = "badger_db"

	// DefaultConfigFile is the name of the optional TOML configuration file
	// that the run command looks for in the data directory.
	DefaultConfigFile = "huddle.toml"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "127.0.0.1:3001"
	DefaultSignalAddr  = "127.0.0.1:3001"
	DefaultStore       = false
	DefaultMongoURL    = ""
	DefaultCacheSize   = 1000
	DefaultJoinTimeout = 10000 * time.Millisecond
	DefaultMoniker     = "anonymous"
	DefaultICEAddress  = "stun:stun.l.google.com:19302"
	DefaultICEUsername = ""
	DefaultICEPassword = ""
)

// Config contains all the configuration properties of a Huddle server or
// client.
type Config struct {
	// DataDir is the top-level directory containing Huddle configuration and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile is an optional file to copy log output to, in addition to
	// stderr.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where the server exposes both the
	// signaling websocket (/ws) and the HTTP API.
	BindAddr string `mapstructure:"listen"`

	// NoService disables the HTTP API, leaving only the signaling websocket.
	NoService bool `mapstructure:"no-service"`

	// Store activates persistent storage of rooms and chat messages in a
	// badger database. When false, and MongoURL is empty, everything is kept
	// in memory and lost on restart.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing the badger database files. It
	// is only used when Store is true.
	DatabaseDir string `mapstructure:"db"`

	// MongoURL, when non-empty, selects the MongoDB store backend. It takes
	// precedence over Store.
	MongoURL string `mapstructure:"mongo"`

	// CacheSize is the maximum number of chat messages kept in memory per
	// room by the in-memory store and by the badger store's cache.
	CacheSize int `mapstructure:"cache-size"`

	// Moniker is the display name a client joins rooms with.
	Moniker string `mapstructure:"moniker"`

	// SignalAddr is the address:port of the signaling server that a client
	// connects to.
	SignalAddr string `mapstructure:"signal-addr"`

	// JoinTimeout bounds how long a client waits for the roster after
	// emitting join-room.
	JoinTimeout time.Duration `mapstructure:"join-timeout"`

	// ICEAddress is the URI of a server providing services for ICE, such as
	// STUN and TURN. The server should support password-based authentication
	// with the username and password provided in ICEUsername and ICEPassword
	// below. Username and password can be empty if the ICE server does not
	// use authentication.
	// https://developer.mozilla.org/en-US/docs/Web/API/RTCIceServer/urls
	ICEAddress string `mapstructure:"ice-addr"`

	// ICEUsername is the username that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEUsername string `mapstructure:"ice-username"`

	// ICEPassword is the password that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEPassword string `mapstructure:"ice-password"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:     DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		BindAddr:    DefaultBindAddr,
		Store:       DefaultStore,
		DatabaseDir: DefaultDatabaseDir(),
		MongoURL:    DefaultMongoURL,
		CacheSize:   DefaultCacheSize,
		Moniker:     DefaultMoniker,
		SignalAddr:  DefaultSignalAddr,
		JoinTimeout: DefaultJoinTimeout,
		ICEAddress:  DefaultICEAddress,
		ICEUsername: DefaultICEUsername,
		ICEPassword: DefaultICEPassword,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level Huddle directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// ConfigFile returns the full path of the optional TOML configuration file.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, DefaultConfigFile)
}

// ICEServers returns the list of ICE servers used by the peer manager to
// connect to remote participants. The list contains a single item which is
// based on the configuration passed through the config object. This
// configuration is limited to a single server, with password-based
// authentication.
func (c *Config) ICEServers() []webrtc.ICEServer {
	server := webrtc.ICEServer{
		URLs: []string{c.ICEAddress},
	}

	if c.ICEUsername != "" {
		server.Username = c.ICEUsername
		server.Credential = c.ICEPassword
		server.CredentialType = webrtc.ICECredentialTypePassword
	}

	return []webrtc.ICEServer{server}
}

// Logger returns a formatted logrus Entry, with prefix set to "huddle".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "huddle")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level Huddle
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Huddle")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Huddle")
		} else {
			return filepath.Join(home, ".huddle")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// InterceptionConfig holds the CA material used to mint leaf certificates
// for MITM interception. Material may be given as file paths or inline PEM;
// when neither is present an ephemeral CA is generated at startup.
type InterceptionConfig struct {
	CAFile    string // Path to CA certificate file (PEM)
	CAKeyFile string // Path to CA private key file (PEM)
	CACertPEM string // Inline CA certificate (PEM), takes precedence over CAFile
	CAKeyPEM  string // Inline CA private key (PEM), takes precedence over CAKeyFile
}

// RecordingConfig selects the persistent store for seen requests.
// The in-memory recorder is always active; a non-dummy backend mirrors
// recorded requests into the selected database.
type RecordingConfig struct {
	Backend     string // "dummy" (default), "sqlite" or "postgres"
	SQLitePath  string // Path to SQLite database file
	PostgresDSN string // Postgres connection string
}

// PortalConfig configures the built-in admin surface reachable through the
// proxy itself under a magic hostname.
type PortalConfig struct {
	Host   string // Magic hostname, default "mitschnitt.test"
	Secret string // JWT signing secret for bearer auth; empty disables auth
}

// ForwardType defines how upstream connections leave the proxy.
type ForwardType string

const (
	// ForwardTypeNetwork dials targets directly on the local network.
	ForwardTypeNetwork ForwardType = "network"
	// ForwardTypeSocks5 dials targets through a SOCKS5 parent proxy.
	ForwardTypeSocks5 ForwardType = "socks5"
	// ForwardTypeProxy dials targets through an HTTP CONNECT parent proxy.
	ForwardTypeProxy ForwardType = "proxy"
)

// ForwardConfig describes an optional parent proxy for upstream dialing.
type ForwardConfig struct {
	Type     ForwardType
	Address  string
	Username *string
	Password *string
}

// Config represents the main configuration structure for the mock proxy.
type Config struct {
	ListenAddress    string // Address the proxy listens on (HTTP + CONNECT)
	DirectTLSAddress string // Optional second listener accepting direct TLS
	TimeoutSeconds   int    // Bounded timeout for upstream exchanges
	LogLevel         string
	Interception     InterceptionConfig
	Recording        RecordingConfig
	Portal           PortalConfig
	Forward          *ForwardConfig // nil means direct network dialing
}

// LoadConfig loads configuration from the specified file path. JSON (.json)
// and HCL (.hcl) formats are supported; an empty path yields the defaults
// with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  "127.0.0.1:8080",
		TimeoutSeconds: 30,
		LogLevel:       "INFO",
		Recording:      RecordingConfig{Backend: "dummy"},
		Portal:         PortalConfig{Host: "mitschnitt.test"},
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive, got %d", cfg.TimeoutSeconds)
	}
	switch cfg.Recording.Backend {
	case "", "dummy", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported recording backend: %s", cfg.Recording.Backend)
	}
	if cfg.Recording.Backend == "postgres" && cfg.Recording.PostgresDSN == "" {
		return fmt.Errorf("postgres recording backend requires postgres-dsn")
	}
	if cfg.Forward != nil {
		switch cfg.Forward.Type {
		case ForwardTypeNetwork:
		case ForwardTypeSocks5, ForwardTypeProxy:
			if cfg.Forward.Address == "" {
				return fmt.Errorf("%s forward requires address", cfg.Forward.Type)
			}
		default:
			return fmt.Errorf("unsupported forward type: %s", cfg.Forward.Type)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("MITSCHNITT_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("MITSCHNITT_DIRECT_TLS_ADDRESS"); v != "" {
		cfg.DirectTLSAddress = v
	}
	if v := os.Getenv("MITSCHNITT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		} else {
			logger.Warn("Ignoring invalid MITSCHNITT_TIMEOUT_SECONDS: %s", v)
		}
	}
	if v := os.Getenv("MITSCHNITT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MITSCHNITT_CA_FILE"); v != "" {
		cfg.Interception.CAFile = v
	}
	if v := os.Getenv("MITSCHNITT_CA_KEY_FILE"); v != "" {
		cfg.Interception.CAKeyFile = v
	}
	if v := os.Getenv("MITSCHNITT_RECORDING_BACKEND"); v != "" {
		cfg.Recording.Backend = v
	}
	if v := os.Getenv("MITSCHNITT_RECORDING_SQLITE_PATH"); v != "" {
		cfg.Recording.SQLitePath = v
	}
	if v := os.Getenv("MITSCHNITT_RECORDING_POSTGRES_DSN"); v != "" {
		cfg.Recording.PostgresDSN = v
	}
	if v := os.Getenv("MITSCHNITT_PORTAL_HOST"); v != "" {
		cfg.Portal.Host = v
	}
	if v := os.Getenv("MITSCHNITT_PORTAL_SECRET"); v != "" {
		cfg.Portal.Secret = v
	}
}

// jsonConfig mirrors Config with the hyphenated keys used in config files.
type jsonConfig struct {
	ListenAddress    *string `json:"listen-address"`
	DirectTLSAddress *string `json:"direct-tls-address"`
	TimeoutSeconds   *int    `json:"timeout-seconds"`
	LogLevel         *string `json:"log-level"`
	Interception     *struct {
		CAFile    *string `json:"ca-file"`
		CAKeyFile *string `json:"ca-key-file"`
		CACertPEM *string `json:"ca-cert-pem"`
		CAKeyPEM  *string `json:"ca-key-pem"`
	} `json:"interception"`
	Recording *struct {
		Backend     *string `json:"backend"`
		SQLitePath  *string `json:"sqlite-path"`
		PostgresDSN *string `json:"postgres-dsn"`
	} `json:"recording"`
	Portal *struct {
		Host   *string `json:"host"`
		Secret *string `json:"secret"`
	} `json:"portal"`
	Forward *struct {
		Type     *string `json:"type"`
		Address  *string `json:"address"`
		Username *string `json:"username"`
		Password *string `json:"password"`
	} `json:"forward"`
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data jsonConfig
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	applyFileConfig(cfg, &data)
	return nil
}

func applyFileConfig(cfg *Config, data *jsonConfig) {
	if data.ListenAddress != nil {
		cfg.ListenAddress = *data.ListenAddress
	}
	if data.DirectTLSAddress != nil {
		cfg.DirectTLSAddress = *data.DirectTLSAddress
	}
	if data.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *data.TimeoutSeconds
	}
	if data.LogLevel != nil {
		cfg.LogLevel = *data.LogLevel
	}
	if data.Interception != nil {
		if data.Interception.CAFile != nil {
			cfg.Interception.CAFile = *data.Interception.CAFile
		}
		if data.Interception.CAKeyFile != nil {
			cfg.Interception.CAKeyFile = *data.Interception.CAKeyFile
		}
		if data.Interception.CACertPEM != nil {
			cfg.Interception.CACertPEM = *data.Interception.CACertPEM
		}
		if data.Interception.CAKeyPEM != nil {
			cfg.Interception.CAKeyPEM = *data.Interception.CAKeyPEM
		}
	}
	if data.Recording != nil {
		if data.Recording.Backend != nil {
			cfg.Recording.Backend = *data.Recording.Backend
		}
		if data.Recording.SQLitePath != nil {
			cfg.Recording.SQLitePath = *data.Recording.SQLitePath
		}
		if data.Recording.PostgresDSN != nil {
			cfg.Recording.PostgresDSN = *data.Recording.PostgresDSN
		}
	}
	if data.Portal != nil {
		if data.Portal.Host != nil {
			cfg.Portal.Host = *data.Portal.Host
		}
		if data.Portal.Secret != nil {
			cfg.Portal.Secret = *data.Portal.Secret
		}
	}
	if data.Forward != nil {
		fwd := &ForwardConfig{Type: ForwardTypeNetwork}
		if data.Forward.Type != nil {
			fwd.Type = ForwardType(*data.Forward.Type)
		}
		if data.Forward.Address != nil {
			fwd.Address = *data.Forward.Address
		}
		fwd.Username = data.Forward.Username
		fwd.Password = data.Forward.Password
		cfg.Forward = fwd
	}
}

// CAMaterial resolves the configured CA certificate and key to PEM bytes.
// Returns (nil, nil, nil) when no material is configured at all, in which
// case the caller is expected to generate an ephemeral CA.
func (c *InterceptionConfig) CAMaterial() (certPEM, keyPEM []byte, err error) {
	if c.CACertPEM != "" || c.CAKeyPEM != "" {
		if c.CACertPEM == "" || c.CAKeyPEM == "" {
			return nil, nil, fmt.Errorf("inline CA material requires both ca-cert-pem and ca-key-pem")
		}
		return []byte(c.CACertPEM), []byte(c.CAKeyPEM), nil
	}

	if c.CAFile == "" && c.CAKeyFile == "" {
		return nil, nil, nil
	}
	if c.CAFile == "" || c.CAKeyFile == "" {
		return nil, nil, fmt.Errorf("CA material requires both ca-file and ca-key-file")
	}

	certPEM, err = readCleanFile(c.CAFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate file '%s': %w", c.CAFile, err)
	}
	keyPEM, err = readCleanFile(c.CAKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA private key file '%s': %w", c.CAKeyFile, err)
	}
	return certPEM, keyPEM, nil
}

func readCleanFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	return os.ReadFile(cleanPath)
}

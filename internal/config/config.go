package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/tariel-x/sleepchecker/internal/push"
)

const (
	AppName = "sleepchecker"

	defaultVAPIDSubject = "mailto:admin@sleepchecker.app"
	vapidPrivateLength  = 32
)

type Config struct {
	HTTPPort    string
	HTTPSPort   string
	Domain      string
	HTTPOnly    bool
	FrontendURI string

	Environment string
	LogLevel    string

	// Location is the zone bedtimes are interpreted in.
	Location *time.Location
	// DatabaseURL selects persistence: empty keeps state in memory only.
	DatabaseURL     string
	DeliveryTimeout time.Duration
	PushTTL         int
	MaxPending      int
	AdminJWTSecret  string

	DataDir   string
	VAPIDKeys push.VAPIDKeys
}

func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

func (c *Config) CertsDir() string {
	return filepath.Join(c.DataDir, "certs")
}

// LoadDotEnv reads .env from the working directory if there is one.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: failed to read .env", "error", err)
	}
}

// Load reads the configuration from the environment. VAPID keys not given
// in the environment are read from, or generated into, the keys directory
// on fs.
func Load(fs afero.Fs) (*Config, error) {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		HTTPSPort:       getEnv("HTTPS_PORT", "8443"),
		Domain:          getEnv("DOMAIN", ""),
		HTTPOnly:        getEnvBool("HTTP_ONLY", false),
		FrontendURI:     getEnv("FRONTEND_URI", ""),
		Environment:     getEnv("ENVIRONMENT", "production"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DeliveryTimeout: getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second),
		PushTTL:         getEnvInt("PUSH_TTL", push.DefaultTTL),
		MaxPending:      getEnvInt("MAX_PENDING_REMINDERS", 10000),
		AdminJWTSecret:  getEnv("ADMIN_JWT_SECRET", ""),
		DataDir:         getEnv("DATA_DIR", filepath.Join(xdg.DataHome, AppName)),
	}

	if cfg.PushTTL <= 0 {
		slog.Warn("config: invalid push ttl, using default", "value", cfg.PushTTL, "default", push.DefaultTTL)
		cfg.PushTTL = push.DefaultTTL
	}

	loc, err := loadLocation(getEnv("TIMEZONE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Location = loc

	keys, err := loadVAPIDKeys(fs, cfg.KeysDir())
	if err != nil {
		return nil, err
	}
	cfg.VAPIDKeys = keys

	return cfg, nil
}

// Validate checks settings that depend on the serving mode.
func (c *Config) Validate() error {
	if c.HTTPOnly && c.FrontendURI == "" {
		return fmt.Errorf("FRONTEND_URI is required in http-only mode")
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

func loadVAPIDKeys(fs afero.Fs, keysDir string) (push.VAPIDKeys, error) {
	subject := getEnv("VAPID_SUBJECT", defaultVAPIDSubject)

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return push.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
	}

	publicFile := filepath.Join(keysDir, "vapid-public.key")
	privateFile := filepath.Join(keysDir, "vapid-private.key")

	pub, pubErr := afero.ReadFile(fs, publicFile)
	priv, privErr := afero.ReadFile(fs, privateFile)
	if pubErr == nil && privErr == nil {
		publicKey = strings.TrimSpace(string(pub))
		privateKey = strings.TrimSpace(string(priv))
		if validPrivateKey(privateKey) && publicKey != "" {
			return push.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
		}
		slog.Warn("config: stored VAPID keys are unusable, regenerating", "dir", keysDir)
	}

	publicKey, privateKey, err := push.GenerateVAPIDKeys()
	if err != nil {
		return push.VAPIDKeys{}, err
	}
	if err := saveVAPIDKeys(fs, keysDir, publicKey, privateKey); err != nil {
		// Keys still work for this run; subscribers must re-subscribe after a restart.
		slog.Warn("config: failed to save VAPID keys", "dir", keysDir, "error", err)
	} else {
		slog.Info("config: generated VAPID keys", "dir", keysDir)
	}

	return push.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
}

func validPrivateKey(key string) bool {
	b, err := base64.RawURLEncoding.DecodeString(key)
	return err == nil && len(b) == vapidPrivateLength
}

func saveVAPIDKeys(fs afero.Fs, keysDir, publicKey, privateKey string) error {
	if err := fs.MkdirAll(keysDir, 0o700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(keysDir, "vapid-public.key"), []byte(publicKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(keysDir, "vapid-private.key"), []byte(privateKey), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		slog.Warn("config: invalid bool, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("45s") and plain seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

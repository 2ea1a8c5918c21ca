package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// raw key kept in-memory only; never log this
	EncryptionKeyRaw string
	EncryptionKey    []byte // decoded from EncryptionKeyRaw

	CORSOrigins []string

	// viewer sub-process settings
	ViewerCommand string
	ViewerPortMin int
	ViewerPortMax int

	StoreWriterCount int
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:         os.Getenv("DB_DSN"),
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:      getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:      getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		ViewerCommand: os.Getenv("VIEWER_COMMAND"),
	}

	cfg.EncryptionKeyRaw = os.Getenv("ENCRYPTION_KEY")

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	// decode encryption key (base64, must be 32 bytes)
	if cfg.EncryptionKeyRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != 32 {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	var err error
	if cfg.ViewerPortMin, err = getenvInt("VIEWER_PORT_MIN", 3000); err != nil {
		return Config{}, err
	}
	if cfg.ViewerPortMax, err = getenvInt("VIEWER_PORT_MAX", 3999); err != nil {
		return Config{}, err
	}
	if cfg.ViewerPortMin <= 0 || cfg.ViewerPortMax < cfg.ViewerPortMin {
		return Config{}, errors.New("invalid viewer port range")
	}

	if cfg.StoreWriterCount, err = getenvInt("STORE_WRITER_COUNT", 2); err != nil {
		return Config{}, err
	}
	if cfg.StoreWriterCount < 1 {
		cfg.StoreWriterCount = 1
	}

	// parse CORS origins
	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:4200"} // default
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.New(k + " must be an integer")
	}
	return n, nil
}

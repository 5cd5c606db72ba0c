package ingest

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig configures API key authentication. Keys are stored as bcrypt
// hashes; plaintext keys never appear in configuration.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes"`
	ExemptPaths  []string `yaml:"exempt_paths"`
}

// DefaultAuthConfig returns the default auth configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:      false,
		APIKeyHeader: "X-API-Key",
		ExemptPaths:  []string{"/health", "/metrics"},
	}
}

// HashAPIKey returns the bcrypt hash of a plaintext API key, for use in
// configuration.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthMiddleware checks the API key header against the configured bcrypt
// hashes.
func AuthMiddleware(cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(cfg.APIKeyHeader)
			if key == "" {
				respondError(w, http.StatusUnauthorized, "missing API key", "")
				return
			}
			if !keyMatches(key, cfg.APIKeyHashes) {
				logger.Warn("invalid API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				respondError(w, http.StatusUnauthorized, "invalid API key", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(key string, hashes []string) bool {
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			return true
		}
	}
	return false
}

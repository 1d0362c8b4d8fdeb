package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	LogLevel  string

	// Backend-only mode fields
	HTTPOnly    bool
	FrontendURI string

	DatabasePath string
	JWTSecret    string

	TURNPort  int
	TURNRealm string

	// RingTimeout is how long an unanswered invitation rings before the
	// session is finalized as missed.
	RingTimeout time.Duration

	// RetentionWindow is how long durable call records are kept before the
	// sweeper deletes them (data-minimization requirement).
	RetentionWindow time.Duration
	SweepInterval   time.Duration

	// AllowConcurrentCalls disables the one-live-call-per-user policy.
	AllowConcurrentCalls bool

	VAPIDKeys *VAPIDKeys
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load reads configuration from the environment with development-friendly
// defaults. Secrets (JWT, VAPID) fall back to generated values persisted
// under the keys directory so restarts keep working sessions valid.
func Load(httpOnly *bool) *Config {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		HTTPSPort:       getEnv("HTTPS_PORT", "8443"),
		Domain:          getEnv("DOMAIN", "localhost"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		FrontendURI:     getEnv("FRONTEND_URI", ""),
		DatabasePath:    getEnv("DATABASE_PATH", "kincall-signal.db"),
		TURNPort:        getEnvInt("TURN_PORT", 3478),
		TURNRealm:       getEnv("TURN_REALM", "kincall"),
		RingTimeout:     getEnvDuration("CALL_TIMEOUT", 30*time.Second),
		RetentionWindow: time.Duration(getEnvInt("DATA_RETENTION_DAYS", 30)) * 24 * time.Hour,
		SweepInterval:   getEnvDuration("RETENTION_SWEEP_INTERVAL", 24*time.Hour),

		AllowConcurrentCalls: getEnvBool("ALLOW_MULTIPLE_CALLS", false),
	}

	if httpOnly != nil {
		cfg.HTTPOnly = *httpOnly
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadVAPIDKeys()

	return cfg
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
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	// Environment wins; the secret is shared with the main backend that
	// issues the tokens.
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := getKeysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: Failed to save JWT secret to disk: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via JWT_SECRET environment variable")
		}
	}

	return secret
}

func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")

	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@kincall.app"),
		}
	}

	keysDir := getKeysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			pub := strings.TrimSpace(string(publicKeyData))
			priv := strings.TrimSpace(string(privateKeyData))
			if decoded, err := base64.RawURLEncoding.DecodeString(priv); err == nil && len(decoded) == 32 {
				return &VAPIDKeys{
					PublicKey:  pub,
					PrivateKey: priv,
					Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@kincall.app"),
				}
			}
			// Unusable key material on disk; regenerate below.
			os.Remove(publicKeyFile)
			os.Remove(privateKeyFile)
		}
	}

	privateKeyECDSA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("Failed to generate VAPID keys: " + err.Error())
	}

	// Browsers expect the uncompressed 65-byte point; the webpush library
	// expects the raw 32-byte private scalar. Both base64url, no padding.
	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	privateKeyECDSA.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	privateKeyECDSA.PublicKey.Y.FillBytes(publicKeyBytes[33:65])

	privateKeyBytes := make([]byte, 32)
	privateKeyECDSA.D.FillBytes(privateKeyBytes)

	keys := &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKeyBytes),
		Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@kincall.app"),
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(publicKeyFile, []byte(keys.PublicKey), 0600); err != nil {
			fmt.Printf("Warning: Failed to save VAPID public key: %v\n", err)
		}
		if err := os.WriteFile(privateKeyFile, []byte(keys.PrivateKey), 0600); err != nil {
			fmt.Printf("Warning: Failed to save VAPID private key: %v\n", err)
		}
	}

	return keys
}

func getKeysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

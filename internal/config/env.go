package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/scrypt"
)

// EnvPrefix prefixes every variable read by EnvManager
const EnvPrefix = "BARREPLAY_"

// EnvManager manages environment variable configuration
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager
func NewEnvManager(encryptionKey string, prefix string) *EnvManager {
	if prefix == "" {
		prefix = EnvPrefix
	}
	if encryptionKey == "" {
		encryptionKey = os.Getenv(prefix + "ENCRYPTION_KEY")
	}

	// Derive encryption key from password
	key, _ := scrypt.Key([]byte(encryptionKey), []byte("barreplay-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.prefix + strings.ToUpper(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// GetEncryptedString reads a variable that may hold an ENC: prefixed secret
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) (string, error) {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue, nil
	}
	if !strings.HasPrefix(value, "ENC:") {
		return value, nil
	}

	decrypted, err := em.decrypt(strings.TrimPrefix(value, "ENC:"))
	if err != nil {
		return defaultValue, fmt.Errorf("failed to decrypt %s%s: %w", em.prefix, strings.ToUpper(key), err)
	}
	return decrypted, nil
}

// Encrypt returns value in the ENC: form accepted by GetEncryptedString
func (em *EnvManager) Encrypt(value string) (string, error) {
	encrypted, err := em.encrypt(value)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt value: %w", err)
	}
	return "ENC:" + encrypted, nil
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.prefix+strings.ToUpper(key), value)
}

func (em *EnvManager) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func (em *EnvManager) decrypt(encryptedText string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encryptedText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(ciphertext, ciphertext)

	return string(ciphertext), nil
}

// LoadFromFile loads a dotenv file. Variables already set win.
func (em *EnvManager) LoadFromFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to load %s: %w", filename, err)
	}
	return nil
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string
	for _, key := range required {
		envKey := em.prefix + strings.ToUpper(key)
		if os.Getenv(envKey) == "" {
			missing = append(missing, envKey)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// ApplyEnv overrides cfg with BARREPLAY_ variables. Secrets may be given
// in ENC: form.
func (em *EnvManager) ApplyEnv(cfg *Config) error {
	r := &cfg.Replay
	r.Ticker = em.GetString("TICKER", r.Ticker)
	r.StartDate = em.GetString("START_DATE", r.StartDate)
	r.EndDate = em.GetString("END_DATE", r.EndDate)
	r.Timezone = em.GetString("TIMEZONE", r.Timezone)
	r.RequestSize = em.GetInt("REQUEST_SIZE", r.RequestSize)
	r.QueueSize = em.GetInt("QUEUE_SIZE", r.QueueSize)
	r.WindowTimeout = em.GetDuration("WINDOW_TIMEOUT", r.WindowTimeout)
	r.RequestsPerSecond = em.GetFloat("REQUESTS_PER_SECOND", r.RequestsPerSecond)

	s := &cfg.Session
	s.URL = em.GetString("URL", s.URL)
	s.ProxyHost = em.GetString("PROXY_HOST", s.ProxyHost)
	s.ProxyPort = em.GetInt("PROXY_PORT", s.ProxyPort)

	cfg.Output.Dir = em.GetString("OUTPUT_DIR", cfg.Output.Dir)
	cfg.Output.Format = em.GetString("OUTPUT_FORMAT", cfg.Output.Format)
	cfg.Logging.Level = em.GetString("LOG_LEVEL", cfg.Logging.Level)

	db := &cfg.Database
	db.Enabled = em.GetBool("DATABASE_ENABLED", db.Enabled)
	db.Host = em.GetString("DATABASE_HOST", db.Host)
	db.Port = em.GetInt("DATABASE_PORT", db.Port)
	db.User = em.GetString("DATABASE_USER", db.User)
	db.DBName = em.GetString("DATABASE_NAME", db.DBName)

	cfg.Redis.Addr = em.GetString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.NATS.URL = em.GetString("NATS_URL", cfg.NATS.URL)
	cfg.ObjectStore.AccessKeyID = em.GetString("S3_ACCESS_KEY_ID", cfg.ObjectStore.AccessKeyID)

	var err error
	if db.Password, err = em.GetEncryptedString("DATABASE_PASSWORD", db.Password); err != nil {
		return err
	}
	if cfg.Redis.Password, err = em.GetEncryptedString("REDIS_PASSWORD", cfg.Redis.Password); err != nil {
		return err
	}
	if cfg.ObjectStore.SecretAccessKey, err = em.GetEncryptedString("S3_SECRET_ACCESS_KEY", cfg.ObjectStore.SecretAccessKey); err != nil {
		return err
	}
	return nil
}

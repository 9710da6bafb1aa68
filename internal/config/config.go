// Package config resolves runtime Settings from compiled-in defaults,
// an optional .env-style file, the process environment, and finally
// CLI flags -- each layer overriding the last, the same
// find-the-project-root-then-parse-then-override shape the original
// device config loader used.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"miassist-flash/internal/envelope"
)

// Settings is the fully-resolved runtime configuration for one
// invocation.
type Settings struct {
	AESKey []byte
	AESIV  []byte

	ServerURL string
	AllowHTTP bool

	ProfileRegion string
	Codename      string

	DeviceIndex int
	ChunkSize   int

	RetryWipeOnReject bool

	Verbosity int
	DebugUSB  bool
}

// Default returns compiled-in defaults before any override layer is
// applied.
func Default() Settings {
	return Settings{
		AESKey:            envelope.DefaultKey,
		AESIV:             envelope.DefaultIV,
		ServerURL:         envelope.DefaultServerURL,
		ChunkSize:         65536,
		RetryWipeOnReject: true,
	}
}

// Load builds Settings by layering, in order: Default(), the .env file
// at path (or the discovered project root's .env if path is empty),
// then the process environment. CLI flags are applied afterward by the
// caller (cmd/miassist-flash), since flag parsing happens after Load.
func Load(path string) (Settings, error) {
	s := Default()

	envPath := path
	if envPath == "" {
		envPath = filepath.Join(findProjectRoot(), ".env")
	}
	if data, err := os.ReadFile(envPath); err == nil {
		if err := applyEnvFile(&s, string(data)); err != nil {
			return Settings{}, err
		}
	}

	if err := applyProcessEnv(&s); err != nil {
		return Settings{}, err
	}

	if err := s.validateKeys(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func applyEnvFile(s *Settings, content string) error {
	vars := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vars[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return applyVars(s, vars)
}

func applyProcessEnv(s *Settings) error {
	vars := map[string]string{}
	for _, key := range []string{"SENSITIVITY_AES_KEY", "SENSITIVITY_AES_IV", "MI_SERVER_URL"} {
		if v := os.Getenv(key); v != "" {
			vars[key] = v
		}
	}
	return applyVars(s, vars)
}

// applyVars overrides s with each present var, failing with
// envelope.ErrBadEnvelopeKey if an explicitly-provided AES key or IV
// override is not valid hex of the right length -- an override the
// user asked for is never silently dropped in favor of the default.
func applyVars(s *Settings, vars map[string]string) error {
	if v, ok := vars["SENSITIVITY_AES_KEY"]; ok {
		key, err := decodeHexKey(v)
		if err != nil {
			return fmt.Errorf("%w: SENSITIVITY_AES_KEY: %v", envelope.ErrBadEnvelopeKey, err)
		}
		s.AESKey = key
	}
	if v, ok := vars["SENSITIVITY_AES_IV"]; ok {
		iv, err := decodeHexKey(v)
		if err != nil {
			return fmt.Errorf("%w: SENSITIVITY_AES_IV: %v", envelope.ErrBadEnvelopeKey, err)
		}
		s.AESIV = iv
	}
	if v, ok := vars["MI_SERVER_URL"]; ok {
		s.ServerURL = v
	}
	return nil
}

// decodeHexKey decodes a 32-hex-character string into 16 raw bytes.
func decodeHexKey(hexStr string) ([]byte, error) {
	if len(hexStr) != 32 {
		return nil, fmt.Errorf("config: expected 32 hex characters, got %d", len(hexStr))
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid hex: %w", err)
	}
	return b, nil
}

// validateKeys ensures whatever key/IV ended up resolved are usable by
// the envelope's AES-128 cipher.
func (s *Settings) validateKeys() error {
	if len(s.AESKey) != 16 || len(s.AESIV) != 16 {
		return envelope.ErrBadEnvelopeKey
	}
	return nil
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

package token

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const charsetMask64 byte = 0x3F // 0b00111111 - masks to 64 values

var (
	ErrInvalidSize   = errors.New("size must be positive")
	ErrInvalidLength = errors.New("length must be positive")
	ErrReaderFailed  = errors.New("entropy source read failed")
)

// charset uses URL-safe base64 characters; 64 entries so masking is unbiased.
var charset = [64]byte{
	'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M',
	'N', 'O', 'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z',
	'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm',
	'n', 'o', 'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z',
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '-', '_',
}

// SecretGenerator draws key material, nonces and identifiers from a
// single entropy source so tests can substitute a deterministic one.
type SecretGenerator struct {
	reader io.Reader
}

// NewSecretGenerator creates a generator with the given entropy source.
// If no reader is provided, crypto/rand.Reader is used.
func NewSecretGenerator(readers ...io.Reader) *SecretGenerator {
	reader := rand.Reader
	if len(readers) > 0 && readers[0] != nil {
		reader = readers[0]
	}
	return &SecretGenerator{reader: reader}
}

// Reader exposes the underlying entropy source.
func (g *SecretGenerator) Reader() io.Reader { return g.reader }

// readBytesSafe reads exactly len(buf) bytes.
func (g *SecretGenerator) readBytesSafe(buf []byte) error {
	n, err := io.ReadFull(g.reader, buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReaderFailed, err)
	}
	if n != len(buf) {
		return ErrReaderFailed
	}
	return nil
}

// Key returns random bytes of the requested size.
func (g *SecretGenerator) Key(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	result := make([]byte, size)
	if err := g.readBytesSafe(result); err != nil {
		return nil, err
	}
	return result, nil
}

// KeyInto fills buf with random bytes.
func (g *SecretGenerator) KeyInto(buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidSize
	}
	return g.readBytesSafe(buf)
}

// String returns a URL-safe random string of the given length.
func (g *SecretGenerator) String(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}
	buf := make([]byte, length)
	if err := g.readBytesSafe(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = charset[buf[i]&charsetMask64]
	}
	return string(buf), nil
}

// WriteSecret stores key=value in a .env, .json, .yaml or .yml file,
// replacing an existing entry with the same key. The file is created
// with 0600 permissions when missing.
func WriteSecret(filePath, key, value string) error {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return replaceInJSONFile(filePath, key, value)
	case ".yaml", ".yml":
		return replaceInYAMLFile(filePath, key, value)
	default:
		return replaceInEnvFile(filePath, key, value)
	}
}

// ReadSecret reads key from a file written by WriteSecret.
func ReadSecret(filePath, key string) (string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json", ".yaml", ".yml":
		var data map[string]any
		// YAML is a superset of JSON.
		if err := yaml.Unmarshal(content, &data); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", filePath, err)
		}
		s, ok := data[key].(string)
		if !ok {
			return "", fmt.Errorf("key %q not found in %s", key, filePath)
		}
		return s, nil
	default:
		prefix := key + "="
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
			}
		}
		return "", fmt.Errorf("key %q not found in %s", key, filePath)
	}
}

// replaceInEnvFile handles the actual .env file replacement
func replaceInEnvFile(filePath, key, value string) error {
	content, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var lines []string
	if len(content) > 0 {
		lines = strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	}
	keyFound := false
	keyPattern := regexp.MustCompile(`^` + regexp.QuoteMeta(key) + `=`)

	for i, line := range lines {
		if keyPattern.MatchString(line) {
			lines[i] = fmt.Sprintf("%s=%s", key, value)
			keyFound = true
			break
		}
	}
	if !keyFound {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}

	return os.WriteFile(filePath, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

// replaceInJSONFile handles the actual JSON file replacement
func replaceInJSONFile(filePath, key, value string) error {
	content, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read file: %w", err)
	}

	data := make(map[string]any)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &data); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	}
	data[key] = value

	updated, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return os.WriteFile(filePath, updated, 0o600)
}

// replaceInYAMLFile handles the actual YAML file replacement
func replaceInYAMLFile(filePath, key, value string) error {
	content, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read file: %w", err)
	}

	data := make(map[string]any)
	if len(content) > 0 {
		if err := yaml.Unmarshal(content, &data); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	data[key] = value

	updated, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return os.WriteFile(filePath, updated, 0o600)
}

// Package secrets resolves provider credentials from the process environment,
// optionally seeded from a dotenv file.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Provider looks up a named secret.
type Provider interface {
	Lookup(name string) (string, bool)
}

// Env reads secrets from environment variables.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv loads envFile (when set and present) without overriding variables
// that are already exported, then serves lookups from the environment.
func NewEnv(envFile string) (*Env, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return &Env{lookup: os.LookupEnv}, nil
}

// Lookup returns the trimmed value of name; blank values count as missing.
func (e *Env) Lookup(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	v, ok := e.lookup(name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Static serves secrets from a fixed map.
type Static map[string]string

// Lookup implements Provider.
func (s Static) Lookup(name string) (string, bool) {
	v, ok := s[name]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

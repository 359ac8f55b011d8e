package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets usually live here
// (or in a .env file) rather than in the committed migration file.
const (
	EnvSourceDSN           = "SQLTOCB_SOURCE_DSN"
	EnvTargetConnection    = "SQLTOCB_TARGET_CONNECTION_STRING"
	EnvTargetUsername      = "SQLTOCB_TARGET_USERNAME"
	EnvTargetPassword      = "SQLTOCB_TARGET_PASSWORD"
	EnvTargetBucket        = "SQLTOCB_TARGET_BUCKET"
	EnvDefaultUserPassword = "SQLTOCB_DEFAULT_USER_PASSWORD"
)

// readFile is a test seam.
var readFile = os.ReadFile

// Load reads the migration file at path, overlays environment overrides via
// getenv, and applies defaults. Files ending in .yaml/.yml are decoded as
// YAML; everything else as JSON. A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (Migration, error) {
	var m Migration
	b, err := readFile(path)
	if err != nil {
		return m, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(b, filepath.Ext(path), &m); err != nil {
		return m, fmt.Errorf("decode config %s: %w", path, err)
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	ApplyEnv(&m, getenv)
	m.ApplyDefaults()
	return m, nil
}

// Decode decodes b into m according to the file extension ext.
func Decode(b []byte, ext string, m *Migration) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		return dec.Decode(m)
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		return dec.Decode(m)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored so a .env is always optional.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", f, err)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overlays non-empty environment values onto m.
func ApplyEnv(m *Migration, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&m.Source.DSN, EnvSourceDSN)
	set(&m.Target.ConnectionString, EnvTargetConnection)
	set(&m.Target.Username, EnvTargetUsername)
	set(&m.Target.Password, EnvTargetPassword)
	set(&m.Target.Bucket, EnvTargetBucket)
	set(&m.Users.DefaultPassword, EnvDefaultUserPassword)
}

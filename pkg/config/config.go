package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/xeipuuv/gojsonschema"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/flanksource/postgres-backups/pkg/utils"
)

// EnvPrefix namespaces every environment override, e.g.
// PGBACKUP_TEST_READINESS_RETRIES=5 sets readiness.retries.
const EnvPrefix = "PGBACKUP_TEST_"

//go:embed defaults.yaml
var defaultsYAML []byte

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	// Root is the build context: it holds <build.dir>/<version>/Dockerfile and <artifacts.dir>.
	Root        string      `koanf:"root" json:"root" yaml:"root"`
	Versions    []string    `koanf:"versions" json:"versions" yaml:"versions"`
	Marker      string      `koanf:"marker" json:"marker" yaml:"marker"`
	Isolate     bool        `koanf:"isolate" json:"isolate" yaml:"isolate"`
	Port        int         `koanf:"port" json:"port" yaml:"port"`
	Build       Build       `koanf:"build" json:"build" yaml:"build"`
	Artifacts   Artifacts   `koanf:"artifacts" json:"artifacts" yaml:"artifacts"`
	Readiness   Readiness   `koanf:"readiness" json:"readiness" yaml:"readiness"`
	Credentials Credentials `koanf:"credentials" json:"credentials" yaml:"credentials"`
	ReadOnly    ReadOnly    `koanf:"readonly" json:"readonly" yaml:"readonly"`
	Verify      Verify      `koanf:"verify" json:"verify" yaml:"verify"`
}

type Build struct {
	Dir   string `koanf:"dir" json:"dir" yaml:"dir"`
	Quiet bool   `koanf:"quiet" json:"quiet" yaml:"quiet"`
}

type Artifacts struct {
	Dir   string `koanf:"dir" json:"dir" yaml:"dir"`
	Mount string `koanf:"mount" json:"mount" yaml:"mount"`
}

type Readiness struct {
	Retries  int           `koanf:"retries" json:"retries" yaml:"retries"`
	Interval time.Duration `koanf:"interval" json:"interval" yaml:"interval"`
}

// Credentials are passed to the container as POSTGRES_* variables and used by psql steps.
type Credentials struct {
	User     string                `koanf:"user" json:"user" yaml:"user"`
	Password utils.SensitiveString `koanf:"password" json:"password" yaml:"password"`
	Database string                `koanf:"database" json:"database" yaml:"database"`
	Host     string                `koanf:"host" json:"host" yaml:"host"`
	Port     int                   `koanf:"port" json:"port" yaml:"port"`
}

type ReadOnly struct {
	User     string                `koanf:"user" json:"user" yaml:"user"`
	Password utils.SensitiveString `koanf:"password" json:"password" yaml:"password"`
}

type Verify struct {
	// Host enables a lib/pq round trip through the published port after restore.
	Host bool `koanf:"host" json:"host" yaml:"host"`
}

// Default returns the embedded defaults with Root resolved.
func Default() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	return unmarshal(k)
}

// Load layers defaults, the optional YAML file at path, and PGBACKUP_TEST_*
// environment variables, in that order, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	conf, err := unmarshal(k)
	if err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// envKey maps PGBACKUP_TEST_CREDENTIALS_PASSWORD to credentials.password. A
// _FILE suffix reads the value from the named file.
func envKey(name, value string) (string, interface{}) {
	key := strings.TrimPrefix(name, EnvPrefix)

	if base, ok := strings.CutSuffix(key, "_FILE"); ok {
		resolved, err := utils.FileEnv(EnvPrefix+base, "")
		if err != nil {
			logger.Warnf("ignoring %s: %v", name, err)
			return "", nil
		}
		key, value = base, resolved
	}

	key = strings.ReplaceAll(strings.ToLower(key), "_", ".")
	if key == "versions" {
		return key, utils.SplitList(value)
	}
	return key, value
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var conf Config
	if err := k.Unmarshal("", &conf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	root, err := filepath.Abs(conf.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", conf.Root, err)
	}
	conf.Root = root
	return &conf, nil
}

// Validate checks the config against the embedded JSON schema.
func (c *Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}

	if !result.Valid() {
		var errMsg strings.Builder
		for _, desc := range result.Errors() {
			fmt.Fprintf(&errMsg, "- %s\n", desc)
		}
		return fmt.Errorf("configuration validation errors:\n%s", errMsg.String())
	}
	return nil
}

// ArtifactsPath is the host side of the backup bind mount.
func (c *Config) ArtifactsPath() string {
	if filepath.IsAbs(c.Artifacts.Dir) {
		return c.Artifacts.Dir
	}
	return filepath.Join(c.Root, c.Artifacts.Dir)
}

// Dockerfile returns the Dockerfile for version, relative to Root.
func (c *Config) Dockerfile(version string) string {
	return filepath.ToSlash(filepath.Join(c.Build.Dir, version, "Dockerfile"))
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() (string, error) {
	out, err := yamlv3.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

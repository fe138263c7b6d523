package toolforge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is toolforge.conf merged with TOOLFORGE_* environment overrides.
type Config struct {
	SDKRoot           string
	Debug             bool
	CatalogFile       string
	Timeouts          Timeouts
	ReaderGrace       time.Duration
	AndroidComponents []string
	RustTargets       []string
	LogDir            string
	R2                R2Config
}

// Timeouts bounds every external command toolforge spawns.
type Timeouts struct {
	Compile   time.Duration
	Sign      time.Duration
	Align     time.Duration
	Build     time.Duration
	Cargo     time.Duration
	Component time.Duration // one sdkmanager package
	Rustup    time.Duration // rustup-init and each target add
}

// DefaultTimeouts are sized for a cold machine: compilers and signers finish
// in seconds, Gradle and cargo can take minutes.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Compile:   60 * time.Second,
		Sign:      30 * time.Second,
		Align:     30 * time.Second,
		Build:     10 * time.Minute,
		Cargo:     10 * time.Minute,
		Component: 10 * time.Minute,
		Rustup:    15 * time.Minute,
	}
}

// R2Config holds the optional archive mirror credentials.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
}

// Enabled reports whether enough is set to build a client.
func (c R2Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != "" &&
		(c.AccountID != "" || c.Endpoint != "")
}

// DefaultConfigPath is $TOOLFORGE_CONFIG or ~/.config/toolforge/toolforge.conf.
func DefaultConfigPath() string {
	if p := os.Getenv("TOOLFORGE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".config", "toolforge", "toolforge.conf")
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.TempDir()
}

// LoadConfig reads a KEY=VALUE config file (missing is fine) and applies
// TOOLFORGE_<KEY> environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	home := homeDir()

	v := viper.New()
	v.SetDefault("sdk_root", filepath.Join(home, ".local", "share", "toolforge", "sdk"))
	v.SetDefault("log_dir", filepath.Join(home, ".local", "state", "toolforge", "logs"))
	v.SetDefault("debug", false)
	v.SetDefault("reader_grace", DefaultReaderGrace.String())

	v.SetConfigType("env")
	v.SetConfigFile(path)
	v.SetEnvPrefix("TOOLFORGE")
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, &ProtocolParseError{Source: path, Err: err}
		}
		debugf("=> Loaded config from %s\n", path)
	}

	cfg := &Config{
		SDKRoot:           expandHome(v.GetString("sdk_root")),
		Debug:             v.GetBool("debug"),
		CatalogFile:       expandHome(v.GetString("catalog")),
		LogDir:            expandHome(v.GetString("log_dir")),
		AndroidComponents: splitList(v.GetString("android_components")),
		RustTargets:       splitList(v.GetString("rust_targets")),
		R2: R2Config{
			AccountID:       v.GetString("r2_account_id"),
			AccessKeyID:     v.GetString("r2_access_key_id"),
			SecretAccessKey: v.GetString("r2_secret_access_key"),
			Bucket:          v.GetString("r2_bucket_name"),
			Endpoint:        v.GetString("r2_endpoint"),
		},
	}

	cfg.Timeouts = DefaultTimeouts()
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"compile_timeout", &cfg.Timeouts.Compile},
		{"sign_timeout", &cfg.Timeouts.Sign},
		{"align_timeout", &cfg.Timeouts.Align},
		{"build_timeout", &cfg.Timeouts.Build},
		{"cargo_timeout", &cfg.Timeouts.Cargo},
		{"component_timeout", &cfg.Timeouts.Component},
		{"rustup_timeout", &cfg.Timeouts.Rustup},
		{"reader_grace", &cfg.ReaderGrace},
	}
	for _, d := range durations {
		raw := v.GetString(d.key)
		if raw == "" {
			continue
		}
		parsed, err := parseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", strings.ToUpper(d.key), err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

// parseDuration accepts Go durations ("90s", "10m") or a plain number of
// seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// splitList splits a comma separated value. Component ids contain ';' so
// whitespace splitting is not an option.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

// Package config loads vibetap's global and per-project configuration.
//
// The global file holds credentials and the service endpoint; the project
// file holds generation preferences and lives in the repository. Environment
// variables, including a project .env file, override the global file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DirName is the per-repository state directory.
	DirName = ".vibetap"
	// StoreFile is the store database inside DirName.
	StoreFile = "store.db"

	DefaultAPIURL  = "https://vibetap.dev"
	DefaultTimeout = 60 * time.Second

	EnvAPIURL    = "VIBETAP_API_URL"
	EnvAPIKey    = "VIBETAP_API_KEY"
	EnvConfigDir = "VIBETAP_CONFIG_DIR"
)

// ErrExists is returned by Init when a project config is already present.
var ErrExists = errors.New("project config already exists")

// projectFiles are searched in order; the first one found wins.
var projectFiles = []string{
	filepath.Join(DirName, "config.yaml"),
	filepath.Join(DirName, "config.yml"),
	filepath.Join(".aitest", "config.json"),
}

// Global is the user-level configuration.
type Global struct {
	APIKey  string `toml:"api_key"`
	APIURL  string `toml:"api_url"`
	Timeout string `toml:"timeout"`
}

// Project is the repository-level configuration.
type Project struct {
	Version       string     `json:"version" yaml:"version"`
	ProjectType   string     `json:"projectType,omitempty" yaml:"projectType,omitempty"`
	TestRunner    string     `json:"testRunner" yaml:"testRunner"`
	TestDirectory string     `json:"testDirectory" yaml:"testDirectory"`
	WatchMode     WatchMode  `json:"watchMode" yaml:"watchMode"`
	Generation    Generation `json:"generation" yaml:"generation"`
	Ignore        []string   `json:"ignore" yaml:"ignore"`
}

// WatchMode configures the watch command.
type WatchMode struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	DebounceMs int  `json:"debounceMs" yaml:"debounceMs"`
	PollMs     int  `json:"pollMs" yaml:"pollMs"`
}

// Generation configures what the service is asked for.
type Generation struct {
	MaxSuggestions       int  `json:"maxSuggestions" yaml:"maxSuggestions"`
	IncludeSecurity      bool `json:"includeSecurity" yaml:"includeSecurity"`
	IncludeNegativePaths bool `json:"includeNegativePaths" yaml:"includeNegativePaths"`
}

// DefaultProject returns the configuration used when a repository has none.
func DefaultProject() *Project {
	return &Project{
		Version:       "1",
		TestRunner:    "vitest",
		TestDirectory: "tests",
		WatchMode: WatchMode{
			Enabled:    true,
			DebounceMs: 2000,
			PollMs:     1000,
		},
		Generation: Generation{
			MaxSuggestions:       3,
			IncludeSecurity:      true,
			IncludeNegativePaths: true,
		},
		Ignore: []string{},
	}
}

// Config is the merged view a command works with.
type Config struct {
	Global      Global
	Project     *Project
	ProjectPath string
	GlobalPath  string
	Root        string
}

// APIURL returns the service base URL.
func (c *Config) APIURL() string {
	if c.Global.APIURL == "" {
		return DefaultAPIURL
	}
	return strings.TrimRight(c.Global.APIURL, "/")
}

// Timeout returns the request timeout, falling back to DefaultTimeout when
// the configured value is empty or unparsable.
func (c *Config) Timeout() time.Duration {
	if c.Global.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(c.Global.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// StoreDir returns the repository's state directory.
func (c *Config) StoreDir() string {
	return filepath.Join(c.Root, DirName)
}

// Debounce returns the watch debounce window.
func (p *Project) Debounce() time.Duration {
	return time.Duration(p.WatchMode.DebounceMs) * time.Millisecond
}

// Poll returns the watch polling interval.
func (p *Project) Poll() time.Duration {
	return time.Duration(p.WatchMode.PollMs) * time.Millisecond
}

// Load reads the global config, the project config for root and the
// environment overrides, then validates the result.
func Load(root string) (*Config, error) {
	gpath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	g, err := LoadGlobal(gpath)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(g, root); err != nil {
		return nil, err
	}

	p, ppath, err := LoadProject(root)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ppath, err)
	}

	return &Config{Global: *g, Project: p, ProjectPath: ppath, GlobalPath: gpath, Root: root}, nil
}

// GlobalPath returns the global config file path. VIBETAP_CONFIG_DIR
// overrides the platform config directory.
func GlobalPath() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Join(dir, "config.toml"), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config directory: %w", err)
	}
	return filepath.Join(dir, "vibetap", "config.toml"), nil
}

// LoadGlobal reads the global config at path. A missing file yields an
// empty config.
func LoadGlobal(path string) (*Global, error) {
	g := &Global{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), g); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return g, nil
}

// SaveGlobal writes g to path, readable by the owner only.
func SaveGlobal(path string, g *Global) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(g); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0600)
}

// applyEnv overlays the project .env file and then the process environment.
// The .env file is read, never loaded into the process environment.
func applyEnv(g *Global, root string) error {
	vars := map[string]string{}
	if root != "" {
		env, err := godotenv.Read(filepath.Join(root, ".env"))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading .env: %w", err)
		}
		for k, v := range env {
			vars[k] = v
		}
	}
	for _, k := range []string{EnvAPIURL, EnvAPIKey} {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			vars[k] = v
		}
	}
	if v := vars[EnvAPIURL]; v != "" {
		g.APIURL = v
	}
	if v := vars[EnvAPIKey]; v != "" {
		g.APIKey = v
	}
	return nil
}

// LoadProject returns the first project config found under root, or the
// defaults with an empty path when there is none. Keys absent from the file
// keep their default values.
func LoadProject(root string) (*Project, string, error) {
	p := DefaultProject()
	for _, name := range projectFiles {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", path, err)
		}
		switch filepath.Ext(path) {
		case ".json":
			err = json.Unmarshal(data, p)
		default:
			err = yaml.Unmarshal(data, p)
		}
		if err != nil {
			return nil, "", fmt.Errorf("decoding %s: %w", path, err)
		}
		return p, path, nil
	}
	return p, "", nil
}

// Init writes the default project config and adds the state directory to
// .gitignore. It returns the config path.
func Init(root string) (string, error) {
	if _, existing, err := LoadProject(root); err != nil {
		return "", err
	} else if existing != "" {
		return existing, fmt.Errorf("%w: %s", ErrExists, existing)
	}

	path := filepath.Join(root, projectFiles[0])
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(DefaultProject())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	if err := ensureIgnored(root, DirName+"/"); err != nil {
		return path, err
	}
	return path, nil
}

func ensureIgnored(root, entry string) error {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		l := strings.TrimSpace(line)
		if l == entry || l == strings.TrimSuffix(entry, "/") || l == "/"+entry {
			return nil
		}
	}
	var b strings.Builder
	b.Write(data)
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		b.WriteByte('\n')
	}
	b.WriteString(entry + "\n")
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the project config.
func (p *Project) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(p.TestRunner) == "" {
		errs = append(errs, ValidationError{Field: "testRunner", Message: "must not be empty"})
	}
	if n := p.Generation.MaxSuggestions; n < 1 || n > 20 {
		errs = append(errs, ValidationError{Field: "generation.maxSuggestions", Message: fmt.Sprintf("must be between 1 and 20, got %d", n)})
	}
	if p.WatchMode.DebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "watchMode.debounceMs", Message: "must not be negative"})
	}
	if p.WatchMode.PollMs < 0 {
		errs = append(errs, ValidationError{Field: "watchMode.pollMs", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

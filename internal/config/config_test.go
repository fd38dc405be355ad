package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPIURL, "")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	root := t.TempDir()

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectPath != "" {
		t.Errorf("ProjectPath = %q, want empty", cfg.ProjectPath)
	}
	if cfg.APIURL() != DefaultAPIURL {
		t.Errorf("APIURL = %q", cfg.APIURL())
	}
	if cfg.Timeout() != DefaultTimeout {
		t.Errorf("Timeout = %v", cfg.Timeout())
	}
	p := cfg.Project
	if p.TestRunner != "vitest" || p.TestDirectory != "tests" || p.Generation.MaxSuggestions != 3 {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if !p.Generation.IncludeSecurity || !p.Generation.IncludeNegativePaths {
		t.Error("security and negative paths should default on")
	}
	if p.Debounce() != 2*time.Second || p.Poll() != time.Second {
		t.Errorf("debounce=%v poll=%v", p.Debounce(), p.Poll())
	}
}

func TestLoadProject_YAMLKeepsDefaults(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, DirName), 0755)
	yml := "testRunner: jest\ngeneration:\n  maxSuggestions: 5\nignore:\n  - \"*.snap\"\n"
	os.WriteFile(filepath.Join(root, DirName, "config.yaml"), []byte(yml), 0644)

	p, path, err := LoadProject(root)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, "config.yaml") {
		t.Errorf("path = %q", path)
	}
	if p.TestRunner != "jest" || p.Generation.MaxSuggestions != 5 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.TestDirectory != "tests" || !p.Generation.IncludeSecurity {
		t.Errorf("defaults lost: %+v", p)
	}
	if len(p.Ignore) != 1 || p.Ignore[0] != "*.snap" {
		t.Errorf("ignore = %v", p.Ignore)
	}
}

func TestLoadProject_JSON(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, ".aitest"), 0755)
	js := `{"version":"1","testRunner":"pytest","testDirectory":"test","generation":{"maxSuggestions":2,"includeSecurity":false,"includeNegativePaths":true}}`
	os.WriteFile(filepath.Join(root, ".aitest", "config.json"), []byte(js), 0644)

	p, _, err := LoadProject(root)
	if err != nil {
		t.Fatal(err)
	}
	if p.TestRunner != "pytest" || p.TestDirectory != "test" || p.Generation.IncludeSecurity {
		t.Errorf("json not applied: %+v", p)
	}
}

func TestValidate(t *testing.T) {
	p := DefaultProject()
	p.TestRunner = " "
	p.Generation.MaxSuggestions = 50
	p.WatchMode.DebounceMs = -1

	err := p.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(verrs), err)
	}
	if DefaultProject().Validate() != nil {
		t.Error("defaults should validate")
	}
}

func TestLoad_RejectsInvalidProject(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, DirName), 0755)
	os.WriteFile(filepath.Join(root, DirName, "config.yaml"), []byte("generation:\n  maxSuggestions: 0\n"), 0644)

	if _, err := Load(root); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestGlobal_SaveLoadAndEnv(t *testing.T) {
	dir := isolate(t)
	path, err := GlobalPath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "config.toml") {
		t.Errorf("GlobalPath = %q", path)
	}

	if err := SaveGlobal(path, &Global{APIKey: "vt_file", APIURL: "https://example.test/", Timeout: "5s"}); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	root := t.TempDir()
	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Global.APIKey != "vt_file" || cfg.APIURL() != "https://example.test" || cfg.Timeout() != 5*time.Second {
		t.Errorf("global not loaded: %+v", cfg.Global)
	}

	os.WriteFile(filepath.Join(root, ".env"), []byte("VIBETAP_API_KEY=vt_dotenv\n"), 0644)
	cfg, _ = Load(root)
	if cfg.Global.APIKey != "vt_dotenv" {
		t.Errorf(".env should override the file, got %q", cfg.Global.APIKey)
	}
	if os.Getenv(EnvAPIKey) != "" {
		t.Error(".env must not leak into the process environment")
	}

	t.Setenv(EnvAPIKey, "vt_env")
	cfg, _ = Load(root)
	if cfg.Global.APIKey != "vt_env" {
		t.Errorf("process env should win, got %q", cfg.Global.APIKey)
	}
}

func TestInit(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, ".gitignore"), []byte("node_modules"), 0644)

	path, err := Init(root)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	p, found, err := LoadProject(root)
	if err != nil || found != path {
		t.Fatalf("LoadProject after Init: %v %q", err, found)
	}
	if p.TestRunner != "vitest" {
		t.Errorf("written config = %+v", p)
	}
	gi, _ := os.ReadFile(filepath.Join(root, ".gitignore"))
	if string(gi) != "node_modules\n.vibetap/\n" {
		t.Errorf(".gitignore = %q", gi)
	}

	if _, err := Init(root); !errors.Is(err, ErrExists) {
		t.Errorf("second Init: expected ErrExists, got %v", err)
	}
	gi2, _ := os.ReadFile(filepath.Join(root, ".gitignore"))
	if string(gi2) != string(gi) {
		t.Error(".gitignore entry duplicated")
	}
}

package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hiverun/hive/internal/common/logger"
)

// configFileNames are probed in order, at the workspace root and under
// a nested hive/ directory.
var configFileNames = []string{
	"hive.config.json",
	"hive.config.jsonc",
	"hive.config.yaml",
	"hive.config.yml",
}

type cachedConfig struct {
	config  *HiveConfig
	path    string
	modTime time.Time
}

// Loader reads workspace configuration files and caches them per
// workspace root, invalidating on file modification time.
type Loader struct {
	cache  *gocache.Cache
	logger *logger.Logger
}

// NewLoader creates a config loader.
func NewLoader(log *logger.Logger) *Loader {
	return &Loader{
		cache:  gocache.New(gocache.NoExpiration, 10*time.Minute),
		logger: log,
	}
}

// Load returns the workspace configuration for a root, using the cache
// when the backing file has not changed.
func (l *Loader) Load(workspaceRoot string) (*HiveConfig, error) {
	path, err := l.findConfigFile(workspaceRoot)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace config %s: %w", path, err)
	}

	if entry, ok := l.cache.Get(workspaceRoot); ok {
		cached := entry.(*cachedConfig)
		if cached.path == path && cached.modTime.Equal(info.ModTime()) {
			return cached.config, nil
		}
	}

	cfg, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}
	l.cache.Set(workspaceRoot, &cachedConfig{config: cfg, path: path, modTime: info.ModTime()}, gocache.NoExpiration)
	l.logger.Debug("loaded workspace config", zap.String("path", path))
	return cfg, nil
}

// Invalidate drops the cached config for a workspace root.
func (l *Loader) Invalidate(workspaceRoot string) {
	l.cache.Delete(workspaceRoot)
}

func (l *Loader) findConfigFile(workspaceRoot string) (string, error) {
	for _, dir := range []string{workspaceRoot, filepath.Join(workspaceRoot, "hive")} {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
		// A TypeScript config cannot be evaluated here; tell the
		// user how to fix it instead of silently ignoring the file.
		tsPath := filepath.Join(dir, "hive.config.ts")
		if _, err := os.Stat(tsPath); err == nil {
			return "", fmt.Errorf("workspace config %s is TypeScript; convert it to hive.config.json, hive.config.jsonc or hive.config.yaml", tsPath)
		}
	}
	return "", fmt.Errorf("no workspace config found under %s (expected hive.config.{json,jsonc,yaml})", workspaceRoot)
}

func (l *Loader) parseFile(path string) (*HiveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace config %s: %w", path, err)
	}

	var cfg HiveConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse workspace config %s: %w", path, err)
		}
	case ".jsonc":
		if err := json.Unmarshal(stripJSONComments(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse workspace config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse workspace config %s: %w", path, err)
		}
	}

	if cfg.Templates == nil {
		cfg.Templates = make(map[string]*Template)
	}
	for id, tpl := range cfg.Templates {
		if tpl.ID == "" {
			tpl.ID = id
		}
	}
	return &cfg, nil
}

// stripJSONComments removes // line and /* block */ comments so JSONC
// files can go through encoding/json. String contents are preserved.
func stripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

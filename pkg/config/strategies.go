package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// StrategyDefaults is one entry of the strategies file.
type StrategyDefaults struct {
	Name       string         `yaml:"name"`
	Parameters map[string]any `yaml:"parameters"`
}

// StrategiesFile represents the top-level YAML structure.
type StrategiesFile struct {
	Strategies []StrategyDefaults `yaml:"strategies"`
}

// LoadStrategies reads per-strategy default parameters from a YAML file.
func LoadStrategies(path string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file StrategiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]map[string]any, len(file.Strategies))
	for _, s := range file.Strategies {
		if s.Name == "" {
			continue
		}
		out[s.Name] = s.Parameters
	}
	return out, nil
}

// StrategyStore holds the strategy defaults and reloads them when the file changes.
type StrategyStore struct {
	mu       sync.RWMutex
	path     string
	defaults map[string]map[string]any
	log      *zap.Logger
	watcher  *fsnotify.Watcher
}

// NewStrategyStore loads path if it exists. A missing file yields an empty store.
func NewStrategyStore(path string, log *zap.Logger) (*StrategyStore, error) {
	s := &StrategyStore{path: path, defaults: map[string]map[string]any{}, log: log}
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Merge returns the file defaults for name overlaid with params.
func (s *StrategyStore) Merge(name string, params map[string]any) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(params))
	for k, v := range s.defaults[name] {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Watch reloads the file on write until Close is called.
func (s *StrategyStore) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w

	go func() {
		target := filepath.Clean(s.path)
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target || !evt.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := s.reload(); err != nil {
					s.log.Warn("strategy defaults reload failed", zap.String("path", s.path), zap.Error(err))
					continue
				}
				s.log.Info("strategy defaults reloaded", zap.String("path", s.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("strategy defaults watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *StrategyStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *StrategyStore) reload() error {
	defaults, err := LoadStrategies(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
	return nil
}

package config

import (
	"sort"
	"sync"

	"github.com/lightfold/difftune/pkg/errors"
)

// Manager handles configuration loading and access. A run's configuration is
// loaded once at startup and never reloaded; there is deliberately no file
// watching.
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
	sources    []Source
}

// ManagerOption represents an option for configuring the Manager.
type ManagerOption func(*Manager) error

// WithConfigPath sets the configuration file path.
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) error {
		m.configPath = path
		return nil
	}
}

// WithSources replaces the default file+environment sources.
func WithSources(sources ...Source) ManagerOption {
	return func(m *Manager) error {
		m.sources = sources
		return nil
	}
}

// NewManager creates a new configuration manager.
func NewManager(options ...ManagerOption) (*Manager, error) {
	m := &Manager{}
	for _, opt := range options {
		if err := opt(m); err != nil {
			return nil, errors.Wrap(err, errors.ConfigurationError, "failed to apply manager option")
		}
	}
	if len(m.sources) == 0 {
		m.sources = []Source{
			NewFileSource(),
			NewEnvironmentSource(),
		}
	}
	return m, nil
}

// Load builds the configuration: defaults first, then each source in
// ascending priority order so higher-priority sources override, then
// validation. Any failure is a startup-fatal configuration error.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	config := GetDefaultConfig()

	sources := make([]Source, len(m.sources))
	copy(sources, m.sources)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	var paths []string
	if m.configPath != "" {
		paths = []string{m.configPath}
	}

	for _, source := range sources {
		if err := source.Load(config, paths); err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.ConfigurationError, "failed to load configuration"),
				errors.Fields{"source": source.Name()})
		}
	}

	if err := config.Validate(); err != nil {
		return errors.Wrap(err, errors.ConfigurationError, "configuration validation failed")
	}

	m.config = config
	return nil
}

// Get returns the loaded configuration, or nil before Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Load reads, merges, and validates configuration from the given file plus
// DIFFTUNE_ environment overrides. Pass an empty path to use defaults and
// environment only.
func Load(path string) (*Config, error) {
	m, err := NewManager(WithConfigPath(path))
	if err != nil {
		return nil, err
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m.Get(), nil
}

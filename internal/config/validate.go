package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tomyedwab/poolhub/internal/deps"
)

// Service names end up in upstream block names, log file names and
// environment variables, so keep them to a safe alphabet.
var serviceNameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

var validRestartPolicies = map[string]bool{
	RestartAlways:    true,
	RestartOnFailure: true,
	RestartNever:     true,
}

var validCheckKinds = map[string]bool{
	CheckTCP:     true,
	CheckHTTP:    true,
	CheckCommand: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the whole configuration and returns the first problem
// found, wrapped in ErrInvalid. It is re-run on every start invocation.
func (c *Config) Validate() error {
	if err := c.Settings.validate(); err != nil {
		return err
	}

	pinnedBy := make(map[int]string)
	for _, name := range c.ServiceNames() {
		spec := c.Services[name]
		if err := spec.validate(); err != nil {
			return err
		}
		for _, port := range spec.Ports {
			if other, taken := pinnedBy[port]; taken {
				return fmt.Errorf("%w: services %q and %q both pin port %d", ErrInvalid, other, name, port)
			}
			pinnedBy[port] = name
		}
	}

	if _, err := deps.Levels(c.DependencyEdges()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// StartLevels returns the dependency-ordered startup levels. Validate must
// have accepted the config, so the only errors here are programming errors.
func (c *Config) StartLevels() ([][]string, error) {
	return deps.Levels(c.DependencyEdges())
}

// ServiceNames returns all configured service names, sorted.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Settings) validate() error {
	if s.PortMin <= 0 || s.PortMax <= 0 || s.PortMin > s.PortMax {
		return fmt.Errorf("%w: port range [%d-%d] is not usable", ErrInvalid, s.PortMin, s.PortMax)
	}
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, s.LogLevel)
	}
	if s.HealthInterval <= 0 {
		return fmt.Errorf("%w: health_interval must be positive, got %s", ErrInvalid, s.HealthInterval)
	}
	if s.StartupTimeout <= 0 {
		return fmt.Errorf("%w: startup_timeout must be positive, got %s", ErrInvalid, s.StartupTimeout)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive, got %s", ErrInvalid, s.ShutdownTimeout)
	}
	return nil
}

func (s *ServiceSpec) validate() error {
	if !serviceNameRegexp.MatchString(s.Name) {
		return fmt.Errorf("%w: service name %q must match %s", ErrInvalid, s.Name, serviceNameRegexp)
	}
	if s.Command == "" {
		return fmt.Errorf("%w: service %q has no command", ErrInvalid, s.Name)
	}
	if s.MinInstances < 0 {
		return fmt.Errorf("%w: service %q: min_instances %d is negative", ErrInvalid, s.Name, s.MinInstances)
	}
	if s.MinInstances > s.MaxInstances {
		return fmt.Errorf("%w: service %q: min_instances %d exceeds max_instances %d", ErrInvalid, s.Name, s.MinInstances, s.MaxInstances)
	}
	if !validRestartPolicies[s.Restart] {
		return fmt.Errorf("%w: service %q: unknown restart policy %q", ErrInvalid, s.Name, s.Restart)
	}

	seen := make(map[int]bool, len(s.Ports))
	for _, port := range s.Ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: service %q: port %d out of range", ErrInvalid, s.Name, port)
		}
		if seen[port] {
			return fmt.Errorf("%w: service %q pins port %d twice", ErrInvalid, s.Name, port)
		}
		seen[port] = true
	}

	return s.Health.validate(s.Name)
}

func (h HealthCheck) validate(service string) error {
	if !validCheckKinds[h.Kind] {
		return fmt.Errorf("%w: service %q: unknown health check kind %q", ErrInvalid, service, h.Kind)
	}
	switch h.Kind {
	case CheckHTTP:
		if !strings.HasPrefix(h.Target, "/") {
			return fmt.Errorf("%w: service %q: http health check target %q must be an absolute path", ErrInvalid, service, h.Target)
		}
	case CheckCommand:
		if h.Target == "" {
			return fmt.Errorf("%w: service %q: command health check needs a target command", ErrInvalid, service)
		}
	}
	if h.Interval <= 0 {
		return fmt.Errorf("%w: service %q: health interval must be positive, got %s", ErrInvalid, service, h.Interval)
	}
	if h.Timeout <= 0 {
		return fmt.Errorf("%w: service %q: health timeout must be positive, got %s", ErrInvalid, service, h.Timeout)
	}
	if h.Grace <= 0 {
		return fmt.Errorf("%w: service %q: health grace must be positive, got %s", ErrInvalid, service, h.Grace)
	}
	if h.Failures < 1 {
		return fmt.Errorf("%w: service %q: health failures threshold must be at least 1, got %d", ErrInvalid, service, h.Failures)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"slamcar-console/internal/models"
)

// EnvPrefix prefixes environment overrides, e.g. SLAMCAR_NETWORK_CONTROL_PORT.
const EnvPrefix = "SLAMCAR"

// Store is a grouped key/value configuration store. Keys are addressed as
// "group.key". It is safe for concurrent use.
type Store struct {
	// mu guards v; a viper instance is not safe for concurrent use
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vehicle.length", 0.4)
	v.SetDefault("vehicle.width", 0.2)
	v.SetDefault("vehicle.max_velocity", 1.0)
	v.SetDefault("vehicle.acceleration_rate", 0.3)
	v.SetDefault("vehicle.steering_rate", 30.0)
	v.SetDefault("vehicle.max_steering", 30.0)
	v.SetDefault("vehicle.rotation_offset_factor", -0.5)

	v.SetDefault("network.host", "0.0.0.0")
	v.SetDefault("network.control_port", 5002)
	v.SetDefault("network.image_port", 5001)
	v.SetDefault("network.codec", "json")
	v.SetDefault("network.max_frame_pixels", 4096*4096)

	v.SetDefault("operator.tick_hz", 60)
	v.SetDefault("operator.stale_after", "2s")
	v.SetDefault("operator.trace_capacity", 512)

	v.SetDefault("http.port", 8080)
	v.SetDefault("db.path", "slamcar.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// New returns a store holding only defaults and environment overrides.
func New() *Store {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Store{v: v}
}

// Load reads the config file at path on top of the defaults. The format
// follows the file extension (json, yaml, toml).
func Load(path string) (*Store, error) {
	s := New()
	s.v.SetConfigFile(path)
	if err := s.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	s.path = path
	return s, nil
}

// Path returns the loaded file, or "" for a defaults-only store.
func (s *Store) Path() string { return s.path }

// Reload re-reads the config file. It is a no-op without one.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Set overrides a value in memory, e.g. from a command-line flag.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
}

// Save writes the current settings back to the loaded file.
func (s *Store) Save() error {
	if s.path == "" {
		return errors.New("no config file loaded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Get returns the raw value for key.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(key)
}

// IsSet reports whether key has a value, including defaults.
func (s *Store) IsSet(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.IsSet(key)
}

func (s *Store) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(key)
}

func (s *Store) GetInt(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetInt(key)
}

func (s *Store) GetInt64(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetInt64(key)
}

func (s *Store) GetFloat(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetFloat64(key)
}

func (s *Store) GetBool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetBool(key)
}

func (s *Store) GetDuration(key string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetDuration(key)
}

// Groups returns the names of all groups, sorted.
func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []string
	for name, value := range s.v.AllSettings() {
		if _, ok := value.(map[string]any); ok {
			groups = append(groups, name)
		}
	}
	sort.Strings(groups)
	return groups
}

// Keys returns the keys of group without the group prefix, sorted.
func (s *Store) Keys(group string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.v.AllSettings()[strings.ToLower(group)].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(sub))
	for k := range sub {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns every setting as nested maps.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.AllSettings()
}

// WriteDefaults writes the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefaults(path string) error {
	v := viper.New()
	setDefaults(v)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// VehicleParameters builds the vehicle parameters from the vehicle group.
func (s *Store) VehicleParameters() (models.VehicleParameters, error) {
	s.mu.RLock()
	p := models.VehicleParameters{
		Length:               s.v.GetFloat64("vehicle.length"),
		Width:                s.v.GetFloat64("vehicle.width"),
		MaxVelocity:          s.v.GetFloat64("vehicle.max_velocity"),
		AccelerationRate:     s.v.GetFloat64("vehicle.acceleration_rate"),
		SteeringRate:         s.v.GetFloat64("vehicle.steering_rate"),
		MaxSteering:          s.v.GetFloat64("vehicle.max_steering"),
		RotationOffsetFactor: s.v.GetFloat64("vehicle.rotation_offset_factor"),
	}
	s.mu.RUnlock()
	if err := ValidateParameters(p); err != nil {
		return models.VehicleParameters{}, err
	}
	return p, nil
}

// ValidateParameters checks that p describes a drivable vehicle.
func ValidateParameters(p models.VehicleParameters) error {
	var errs []error
	if p.Length <= 0 {
		errs = append(errs, fmt.Errorf("length must be positive, got %g", p.Length))
	}
	if p.Width < 0 {
		errs = append(errs, fmt.Errorf("width must not be negative, got %g", p.Width))
	}
	if p.MaxVelocity <= 0 {
		errs = append(errs, fmt.Errorf("max_velocity must be positive, got %g", p.MaxVelocity))
	}
	if p.AccelerationRate < 0 {
		errs = append(errs, fmt.Errorf("acceleration_rate must not be negative, got %g", p.AccelerationRate))
	}
	if p.SteeringRate < 0 {
		errs = append(errs, fmt.Errorf("steering_rate must not be negative, got %g", p.SteeringRate))
	}
	if p.MaxSteering <= 0 || p.MaxSteering >= 90 {
		errs = append(errs, fmt.Errorf("max_steering must be in (0, 90) degrees, got %g", p.MaxSteering))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid vehicle parameters: %w", errors.Join(errs...))
	}
	return nil
}

// ControlAddr is the control endpoint address.
func (s *Store) ControlAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s:%d", s.v.GetString("network.host"), s.v.GetInt("network.control_port"))
}

// ImageAddr is the image endpoint address.
func (s *Store) ImageAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s:%d", s.v.GetString("network.host"), s.v.GetInt("network.image_port"))
}

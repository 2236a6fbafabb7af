// Package kconfig loads kernel tunables that the original implements as
// compile-time constants (tick threshold, scheme table ceiling, debug
// bounce-buffer size) from an optional TOML file, falling back to the
// spec's defaults when none is supplied. The kernel boots identically
// with zero configuration; this layer is additive.
package kconfig

import (
	"sync"

	"github.com/BurntSushi/toml"
)

// Config holds the tunables. Field names match the TOML keys.
type Config struct {
	// TicksPerSwitch is the number of PIT ticks credited before the
	// scheduler attempts a switch (spec.md: "three ticks trigger a
	// switch").
	TicksPerSwitch int `toml:"ticks_per_switch"`

	// MaxSchemes is the scheme-id table ceiling (spec.md C4: 65536).
	MaxSchemes int `toml:"max_schemes"`

	// DebugBounceBufferSize is the size of the chunk buffer debug:
	// write() copies through on its way to the serial writer.
	DebugBounceBufferSize int `toml:"debug_bounce_buffer_size"`
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		TicksPerSwitch:        3,
		MaxSchemes:            65536,
		DebugBounceBufferSize: 512,
	}
}

var (
	mu      sync.RWMutex
	current = Default()
)

// LoadFile parses path as TOML and replaces the process-wide config.
// Fields absent from the file keep their spec-mandated defaults.
func LoadFile(path string) error {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return err
	}
	mu.Lock()
	current = cfg
	mu.Unlock()
	return nil
}

// Current returns the active configuration.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

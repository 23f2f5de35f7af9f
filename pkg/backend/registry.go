package backend

import (
	"fmt"
	"sort"

	"github.com/maplerobotics/maple/pkg/config"
)

// Backend families are registered as constructors so every caller gets a
// backend wired to its own config.
var (
	policyConstructors = map[string]func(*config.Config) PolicyBackend{
		"openvla":  newOpenVLAPolicy,
		"openpi":   newOpenPIPolicy,
		"gr00tn15": newGR00TPolicy,
		"smolvla":  newSmolVLAPolicy,
	}

	envConstructors = map[string]func(*config.Config) EnvBackend{
		"libero":   newLiberoEnv,
		"alohasim": newAlohaSimEnv,
	}
)

// NewPolicy builds the named policy backend.
func NewPolicy(name string, cfg *config.Config) (PolicyBackend, error) {
	c, ok := policyConstructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown policy backend %q (available: %v)", name, PolicyNames())
	}
	return c(cfg), nil
}

// NewEnv builds the named environment backend.
func NewEnv(name string, cfg *config.Config) (EnvBackend, error) {
	c, ok := envConstructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown env backend %q (available: %v)", name, EnvNames())
	}
	return c(cfg), nil
}

// PolicyNames lists registered policy families in sorted order.
func PolicyNames() []string {
	names := make([]string, 0, len(policyConstructors))
	for name := range policyConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvNames lists registered environment families in sorted order.
func EnvNames() []string {
	names := make([]string, 0, len(envConstructors))
	for name := range envConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

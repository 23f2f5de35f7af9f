package backend

import (
	"fmt"
	"strings"
)

// ParseVersioned splits a policy spec into name and version.
// "openvla:7b" yields ("openvla", "7b"); a bare name defaults to
// "latest".
func ParseVersioned(spec string) (name, version string, err error) {
	spec = strings.TrimSpace(spec)
	if before, after, found := strings.Cut(spec, ":"); found {
		name, version = strings.TrimSpace(before), strings.TrimSpace(after)
		if name == "" || version == "" {
			return "", "", fmt.Errorf("invalid spec %q", spec)
		}
		return name, version, nil
	}
	if spec == "" {
		return "", "", fmt.Errorf("invalid spec %q", spec)
	}
	return spec, "latest", nil
}

// ParsePair splits a "policy@env" shorthand into its two halves.
func ParsePair(pair string) (policy, env string, err error) {
	before, after, found := strings.Cut(pair, "@")
	if !found {
		return "", "", fmt.Errorf("invalid pair %q, expected policy@env", pair)
	}
	policy, env = strings.TrimSpace(before), strings.TrimSpace(after)
	if policy == "" || env == "" {
		return "", "", fmt.Errorf("invalid pair %q, expected policy@env", pair)
	}
	return policy, env, nil
}

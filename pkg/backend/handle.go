// Package backend manages containerized policy servers and simulator
// environments behind a uniform HTTP contract. Each backend family knows
// its Docker image, its model weight source, and the request shape its
// inference server speaks.
package backend

import "fmt"

// PolicyHandle identifies one running policy container.
type PolicyHandle struct {
	PolicyID    string         `json:"policy_id"`
	BackendName string         `json:"backend_name"`
	Version     string         `json:"version"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	ContainerID string         `json:"container_id,omitempty"`
	ModelPath   string         `json:"model_path,omitempty"`
	Device      string         `json:"device,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (h *PolicyHandle) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", h.Host, h.Port)
}

// EnvHandle identifies one running environment container.
type EnvHandle struct {
	EnvID       string         `json:"env_id"`
	BackendName string         `json:"backend_name"`
	Device      string         `json:"device,omitempty"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	ContainerID string         `json:"container_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (h *EnvHandle) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", h.Host, h.Port)
}

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/obs"
)

// SmolVLA is a compact multi-modal policy that needs no action
// unnormalization key; observations and the instruction go straight
// through.
type smolVLAPolicy struct {
	policyBase
	hfRepos map[string]string
}

func newSmolVLAPolicy(cfg *config.Config) PolicyBackend {
	return &smolVLAPolicy{
		policyBase: newPolicyBase("smolvla", "maplerobotics/smolvla:latest", 300*time.Second, 5*time.Second, cfg),
		hfRepos: map[string]string{
			"libero": "HuggingFaceVLA/smolvla_libero",
			"base":   "lerobot/smolvla_base",
			"latest": "lerobot/smolvla_base",
		},
	}
}

func (p *smolVLAPolicy) Info() Info {
	return Info{
		Name:     p.name,
		Type:     "policy",
		Inputs:   []string{"image", "state", "instruction"},
		Outputs:  []string{"action"},
		Versions: sortedKeys(p.hfRepos),
		Image:    p.image,
	}
}

func (p *smolVLAPolicy) Pull(ctx context.Context, version, dst string) (*PullResult, error) {
	repo, ok := p.hfRepos[version]
	if !ok {
		return nil, fmt.Errorf("unknown version %q for %s (available: %v)", version, p.name, sortedKeys(p.hfRepos))
	}
	if _, err := p.pullImage(ctx); err != nil {
		return nil, err
	}
	if err := downloadHuggingFace(ctx, repo, dst); err != nil {
		return nil, err
	}
	return &PullResult{
		Name:    p.name,
		Version: version,
		Source:  "huggingface",
		Repo:    repo,
		Image:   p.image,
		Path:    dst,
	}, nil
}

func (p *smolVLAPolicy) Serve(ctx context.Context, opts ServePolicyOptions) (*PolicyHandle, error) {
	return p.serve(ctx, opts, loadRequest{
		ModelPath:       containerWeightsPath,
		Device:          opts.Device,
		ModelLoadKwargs: opts.ModelKwargs,
	})
}

func (p *smolVLAPolicy) Act(ctx context.Context, h *PolicyHandle, payload obs.Payload, instruction string, modelKwargs map[string]any) ([]float64, error) {
	observations, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"observations": observations,
		"instruction":  instruction,
	}

	var resp actResponse
	if err := p.client.PostJSON(ctx, h.BaseURL()+"/act", req, actTimeout, &resp); err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return resp.Action, nil
}

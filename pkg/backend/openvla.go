package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/obs"
)

// OpenVLA is a transformer VLA that predicts normalized actions, so every
// act call must name the dataset statistics (unnorm_key) used to map them
// back into the target action space.
type openVLAPolicy struct {
	policyBase
	hfRepos map[string]string
}

func newOpenVLAPolicy(cfg *config.Config) PolicyBackend {
	return &openVLAPolicy{
		policyBase: newPolicyBase("openvla", "maplerobotics/openvla:latest", 300*time.Second, 5*time.Second, cfg),
		hfRepos: map[string]string{
			"7b":     "openvla/openvla-7b",
			"latest": "openvla/openvla-7b",
		},
	}
}

func (p *openVLAPolicy) Info() Info {
	return Info{
		Name:     p.name,
		Type:     "policy",
		Inputs:   []string{"image", "instruction"},
		Outputs:  []string{"action"},
		Versions: sortedKeys(p.hfRepos),
		Image:    p.image,
	}
}

func (p *openVLAPolicy) Pull(ctx context.Context, version, dst string) (*PullResult, error) {
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

func (p *openVLAPolicy) Serve(ctx context.Context, opts ServePolicyOptions) (*PolicyHandle, error) {
	return p.serve(ctx, opts, loadRequest{
		ModelPath: containerWeightsPath,
		Device:    opts.Device,
	})
}

func (p *openVLAPolicy) Act(ctx context.Context, h *PolicyHandle, payload obs.Payload, instruction string, modelKwargs map[string]any) ([]float64, error) {
	img, ok := payload["image"]
	if !ok || img.Kind != obs.KindImage {
		return nil, fmt.Errorf("openvla payload requires an image field")
	}
	encoded, err := EncodeImage(img.Image)
	if err != nil {
		return nil, err
	}

	unnormKey, _ := modelKwargs["unnorm_key"].(string)
	if unnormKey == "" {
		// Without unnormalization the outputs are not executable actions.
		return nil, fmt.Errorf("openvla requires unnorm_key in model kwargs")
	}

	req := map[string]any{
		"image":       encoded,
		"instruction": instruction,
		"unnorm_key":  unnormKey,
	}

	var resp actResponse
	if err := p.client.PostJSON(ctx, h.BaseURL()+"/act", req, actTimeout, &resp); err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return resp.Action, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

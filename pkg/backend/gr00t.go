package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/obs"
)

// GR00T N1.5 denoises action chunks with flow matching. Its server wants
// every observation key in the observation.* namespace and resolves its
// embodiment and data config at load time.
type gr00tPolicy struct {
	policyBase
	hfRepos        map[string]string
	embodimentTags map[string]string
	dataConfigs    map[string]string
}

func newGR00TPolicy(cfg *config.Config) PolicyBackend {
	return &gr00tPolicy{
		policyBase: newPolicyBase("gr00tn15", "maplerobotics/gr00tn1.5:latest", 600*time.Second, 5*time.Second, cfg),
		hfRepos: map[string]string{
			"libero_spatial": "Tacoin/GR00T-N1.5-3B-LIBERO-SPATIAL",
			"latest":         "Tacoin/GR00T-N1.5-3B-LIBERO-SPATIAL",
		},
		embodimentTags: map[string]string{
			"libero_spatial": "new_embodiment",
			"latest":         "new_embodiment",
		},
		dataConfigs: map[string]string{
			"libero_spatial": "examples.Libero.custom_data_config:LiberoDataConfig",
			"latest":         "examples.Libero.custom_data_config:LiberoDataConfig",
		},
	}
}

func (p *gr00tPolicy) Info() Info {
	return Info{
		Name:     p.name,
		Type:     "policy",
		Inputs:   []string{"image", "state", "instruction"},
		Outputs:  []string{"action"},
		Versions: sortedKeys(p.hfRepos),
		Image:    p.image,
	}
}

func (p *gr00tPolicy) Pull(ctx context.Context, version, dst string) (*PullResult, error) {
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

func (p *gr00tPolicy) Serve(ctx context.Context, opts ServePolicyOptions) (*PolicyHandle, error) {
	kwargs := map[string]any{}
	for k, v := range opts.ModelKwargs {
		kwargs[k] = v
	}
	if _, ok := kwargs["embodiment_tag"]; !ok {
		if tag := p.embodimentTags[opts.Version]; tag != "" {
			kwargs["embodiment_tag"] = tag
		}
	}
	if _, ok := kwargs["data_config"]; !ok {
		if dc := p.dataConfigs[opts.Version]; dc != "" {
			kwargs["data_config"] = dc
		}
	}

	return p.serve(ctx, opts, loadRequest{
		ModelPath:       containerWeightsPath,
		Device:          opts.Device,
		ModelLoadKwargs: kwargs,
	})
}

func (p *gr00tPolicy) Act(ctx context.Context, h *PolicyHandle, payload obs.Payload, instruction string, modelKwargs map[string]any) ([]float64, error) {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	observations := make(map[string]any, len(encoded))
	for key, value := range encoded {
		observations[gr00tKey(key)] = value
	}

	req := map[string]any{
		"observations": observations,
		"prompt":       instruction,
	}

	var resp actResponse
	if err := p.client.PostJSON(ctx, h.BaseURL()+"/act", req, actTimeout, &resp); err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return resp.Action, nil
}

// gr00tKey normalizes payload keys into the server's observation
// namespace. Keys already namespaced pass through.
func gr00tKey(key string) string {
	if strings.HasPrefix(key, "observation.") {
		return key
	}
	if strings.Contains(strings.ToLower(key), "image") {
		return "observation.images." + key
	}
	if key == "state" {
		return "observation.state"
	}
	return key
}

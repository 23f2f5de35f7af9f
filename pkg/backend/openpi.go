package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/obs"
)

// OpenPI serves the pi-zero model family. Checkpoints live in a public
// GCS bucket, and the inference server resolves its own normalization
// from a config name tied to the checkpoint version.
type openPIPolicy struct {
	policyBase
	gsCheckpoints map[string]string
	configNames   map[string]string
}

func newOpenPIPolicy(cfg *config.Config) PolicyBackend {
	checkpoints := map[string]string{
		"pi0_base":             "gs://openpi-assets/checkpoints/pi0_base",
		"pi0_fast_base":        "gs://openpi-assets/checkpoints/pi0_fast_base",
		"pi05_base":            "gs://openpi-assets/checkpoints/pi05_base",
		"pi0_fast_droid":       "gs://openpi-assets/checkpoints/pi0_fast_droid",
		"pi0_droid":            "gs://openpi-assets/checkpoints/pi0_droid",
		"pi05_droid":           "gs://openpi-assets/checkpoints/pi05_droid",
		"pi0_aloha_towel":      "gs://openpi-assets/checkpoints/pi0_aloha_towel",
		"pi0_aloha_tupperware": "gs://openpi-assets/checkpoints/pi0_aloha_tupperware",
		"pi0_aloha_pen_uncap":  "gs://openpi-assets/checkpoints/pi0_aloha_pen_uncap",
		"pi05_libero":          "gs://openpi-assets/checkpoints/pi05_libero",
	}
	checkpoints["latest"] = checkpoints["pi05_droid"]

	configNames := make(map[string]string, len(checkpoints))
	for version := range checkpoints {
		configNames[version] = version
	}
	configNames["latest"] = "pi05_droid"

	return &openPIPolicy{
		policyBase:    newPolicyBase("openpi", "maplerobotics/openpi:latest", 600*time.Second, 10*time.Second, cfg),
		gsCheckpoints: checkpoints,
		configNames:   configNames,
	}
}

func (p *openPIPolicy) Info() Info {
	return Info{
		Name:     p.name,
		Type:     "policy",
		Inputs:   []string{"image", "state", "prompt"},
		Outputs:  []string{"action"},
		Versions: sortedKeys(p.gsCheckpoints),
		Image:    p.image,
	}
}

func (p *openPIPolicy) Pull(ctx context.Context, version, dst string) (*PullResult, error) {
	gsPath, ok := p.gsCheckpoints[version]
	if !ok {
		return nil, fmt.Errorf("unknown version %q for %s (available: %v)", version, p.name, sortedKeys(p.gsCheckpoints))
	}
	if _, err := p.pullImage(ctx); err != nil {
		return nil, err
	}
	if err := downloadGS(ctx, gsPath, dst); err != nil {
		return nil, err
	}
	return &PullResult{
		Name:    p.name,
		Version: version,
		Source:  "gs",
		Repo:    gsPath,
		Image:   p.image,
		Path:    dst,
	}, nil
}

func (p *openPIPolicy) Serve(ctx context.Context, opts ServePolicyOptions) (*PolicyHandle, error) {
	kwargs := map[string]any{}
	for k, v := range opts.ModelKwargs {
		kwargs[k] = v
	}
	if _, ok := kwargs["config_name"]; !ok {
		name, known := p.configNames[opts.Version]
		if !known {
			return nil, fmt.Errorf("config_name required for %s version %q", p.name, opts.Version)
		}
		kwargs["config_name"] = name
	}

	return p.serve(ctx, opts, loadRequest{
		ModelPath:       containerWeightsPath,
		Device:          opts.Device,
		ModelLoadKwargs: kwargs,
	})
}

func (p *openPIPolicy) Act(ctx context.Context, h *PolicyHandle, payload obs.Payload, instruction string, modelKwargs map[string]any) ([]float64, error) {
	observations, err := EncodePayload(payload)
	if err != nil {
		return nil, err
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

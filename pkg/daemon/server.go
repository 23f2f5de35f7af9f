package daemon

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/maplerobotics/maple/pkg/backend"
	"github.com/maplerobotics/maple/pkg/obs"
	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

type pullPolicyRequest struct {
	Spec string `json:"spec"`
}

type servePolicyRequest struct {
	Spec            string         `json:"spec"`
	Device          string         `json:"device,omitempty"`
	HostPort        int            `json:"host_port,omitempty"`
	ModelLoadKwargs map[string]any `json:"model_load_kwargs,omitempty"`
}

type actRequest struct {
	PolicyID    string         `json:"policy_id"`
	Image       string         `json:"image"`
	Instruction string         `json:"instruction"`
	ModelKwargs map[string]any `json:"model_kwargs,omitempty"`
}

type serveEnvRequest struct {
	Name     string `json:"name"`
	Device   string `json:"device,omitempty"`
	NumEnvs  int    `json:"num_envs,omitempty"`
	HostPort int    `json:"host_port,omitempty"`
}

type setupEnvRequest struct {
	EnvID     string         `json:"env_id"`
	Task      string         `json:"task"`
	Seed      *int           `json:"seed,omitempty"`
	EnvKwargs map[string]any `json:"env_kwargs,omitempty"`
}

type resetEnvRequest struct {
	EnvID string `json:"env_id"`
	Seed  *int   `json:"seed,omitempty"`
}

type stepEnvRequest struct {
	EnvID  string    `json:"env_id"`
	Action []float64 `json:"action"`
}

func (d *Daemon) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/status", d.handleStatus)
	e.POST("/run", d.handleRun)
	e.POST("/stop", d.handleStop)

	e.GET("/policy/list", d.handleListPolicies)
	e.POST("/policy/pull", d.handlePullPolicy)
	e.POST("/policy/serve", d.handleServePolicy)
	e.POST("/policy/act", d.handlePolicyAct)
	e.GET("/policy/info/:policy_id", d.handlePolicyInfo)
	e.POST("/policy/stop/:policy_id", d.handleStopPolicy)

	e.GET("/env/list", d.handleListEnvs)
	e.POST("/env/pull", d.handlePullEnv)
	e.POST("/env/serve", d.handleServeEnv)
	e.POST("/env/setup", d.handleSetupEnv)
	e.POST("/env/reset", d.handleResetEnv)
	e.POST("/env/step", d.handleStepEnv)
	e.GET("/env/info/:env_id", d.handleEnvInfo)
	e.GET("/env/tasks/:backend", d.handleEnvTasks)
	e.POST("/env/stop/:env_id", d.handleStopSingleEnv)
	e.POST("/env/stop", d.handleStopAllEnvs)

	return e
}

func (d *Daemon) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	policies, err := d.store.ListPolicies(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	envs, err := d.store.ListEnvs(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"running": true,
		"port":    d.cfg.Daemon.Port,
		"pulled": map[string]any{
			"policies": policies,
			"envs":     envs,
		},
		"serving": map[string]any{
			"policies": d.policyIDs(),
			"envs":     d.envIDs(),
		},
		"health_monitor": map[string]any{
			"containers": d.monitor.AllStatus(),
		},
	})
}

func (d *Daemon) handleRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := d.Run(c.Request().Context(), req)
	if err != nil {
		var re *runError
		if errors.As(err, &re) {
			return echo.NewHTTPError(re.status, re.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("run failed: %v", err))
	}
	return c.JSON(http.StatusOK, result)
}

func (d *Daemon) handleStop(c echo.Context) error {
	d.Shutdown()
	return c.JSON(http.StatusOK, map[string]any{"stopped": true})
}

func (d *Daemon) handleListPolicies(c echo.Context) error {
	policies, err := d.store.ListPolicies(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"policies": policies})
}

func (d *Daemon) handlePullPolicy(c echo.Context) error {
	var req pullPolicyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	name, version, err := backend.ParseVersioned(req.Spec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	b, err := backend.NewPolicy(name, d.cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	dst := paths.PolicyDir(name, version)
	manifest, err := b.Pull(ctx, version, dst)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := d.store.AddPolicy(ctx, name, version, dst, manifest.Repo); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"pulled":   fmt.Sprintf("%s:%s", name, version),
		"manifest": manifest,
	})
}

func (d *Daemon) handleServePolicy(c echo.Context) error {
	var req servePolicyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	name, version, err := backend.ParseVersioned(req.Spec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	policyID := fmt.Sprintf("%s:%s", name, version)

	ctx := c.Request().Context()
	if _, err := d.store.GetPolicy(ctx, name, version); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("policy %q not pulled. Run 'maple pull policy %s' first.", policyID, req.Spec))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	b, err := backend.NewPolicy(name, d.cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	device := req.Device
	if device == "" {
		device = d.cfg.Policy.DefaultDevice
	}

	handle, err := b.Serve(ctx, backend.ServePolicyOptions{
		Version:     version,
		ModelPath:   paths.PolicyDir(name, version),
		Device:      device,
		HostPort:    req.HostPort,
		ModelKwargs: req.ModelLoadKwargs,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to load %q: %v", policyID, err))
	}

	d.registerPolicy(ctx, name, b, handle)

	return c.JSON(http.StatusOK, map[string]any{
		"served":    policyID,
		"policy_id": handle.PolicyID,
		"port":      handle.Port,
		"device":    handle.Device,
	})
}

func (d *Daemon) handlePolicyAct(c echo.Context) error {
	var req actRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d.mu.RLock()
	entry, ok := d.policyHandles[req.PolicyID]
	d.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("policy %q not found. Available: %v", req.PolicyID, d.policyIDs()))
	}

	img, err := obs.Raw{"image": req.Image}.Image("image")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid image: %v", err))
	}

	action, err := entry.backend.Act(c.Request().Context(), entry.handle,
		obs.Payload{"image": obs.ImageField(img)}, req.Instruction, req.ModelKwargs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"action": action})
}

func (d *Daemon) handlePolicyInfo(c echo.Context) error {
	policyID := c.Param("policy_id")

	d.mu.RLock()
	entry, ok := d.policyHandles[policyID]
	d.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("policy %q not found", policyID))
	}

	info, err := entry.backend.GetInfo(c.Request().Context(), entry.handle)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

func (d *Daemon) handleStopPolicy(c echo.Context) error {
	policyID := c.Param("policy_id")
	ctx := c.Request().Context()

	d.mu.Lock()
	entry, ok := d.policyHandles[policyID]
	if ok {
		delete(d.policyHandles, policyID)
	}
	d.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("policy %q not found", policyID))
	}

	if err := entry.backend.Stop(ctx, entry.handle); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	d.forgetContainer(ctx, entry.handle.ContainerID)

	return c.JSON(http.StatusOK, map[string]any{"stopped": policyID})
}

func (d *Daemon) handleListEnvs(c echo.Context) error {
	envs, err := d.store.ListEnvs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"envs": envs})
}

func (d *Daemon) handlePullEnv(c echo.Context) error {
	name := c.QueryParam("name")

	b, err := backend.NewEnv(name, d.cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	meta, err := b.Pull(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := d.store.AddEnv(ctx, name, meta.Image); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{"env": name, "meta": meta})
}

func (d *Daemon) handleServeEnv(c echo.Context) error {
	var req serveEnvRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	if _, err := d.store.GetEnv(ctx, req.Name); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("env %q not pulled. Run 'maple pull env %s' first.", req.Name, req.Name))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	b, err := backend.NewEnv(req.Name, d.cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	device := req.Device
	if device == "" {
		device = d.cfg.Env.DefaultDevice
	}
	numEnvs := req.NumEnvs
	if numEnvs <= 0 {
		numEnvs = d.cfg.Env.DefaultNumEnvs
	}

	handles, err := b.Serve(ctx, backend.ServeEnvOptions{
		NumEnvs:  numEnvs,
		Device:   device,
		HostPort: req.HostPort,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError,
			fmt.Sprintf("failed to serve env %q: %v", req.Name, err))
	}

	envIDs := make([]string, 0, len(handles))
	ports := make([]int, 0, len(handles))
	for _, handle := range handles {
		d.registerEnv(ctx, req.Name, b, handle)
		envIDs = append(envIDs, handle.EnvID)
		ports = append(ports, handle.Port)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"served":   req.Name,
		"device":   device,
		"num_envs": len(handles),
		"env_ids":  envIDs,
		"ports":    ports,
	})
}

func (d *Daemon) handleSetupEnv(c echo.Context) error {
	var req setupEnvRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d.mu.RLock()
	entry, ok := d.envHandles[req.EnvID]
	d.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("env %q not found. Available: %v", req.EnvID, d.envIDs()))
	}

	result, err := entry.backend.Setup(c.Request().Context(), entry.handle, req.Task, req.Seed, req.EnvKwargs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (d *Daemon) handleResetEnv(c echo.Context) error {
	var req resetEnvRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d.mu.RLock()
	entry, ok := d.envHandles[req.EnvID]
	d.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("env %q not found", req.EnvID))
	}

	observation, err := entry.backend.Reset(c.Request().Context(), entry.handle, req.Seed)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"observation": observation})
}

func (d *Daemon) handleStepEnv(c echo.Context) error {
	var req stepEnvRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d.mu.RLock()
	entry, ok := d.envHandles[req.EnvID]
	d.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("env %q not found", req.EnvID))
	}

	result, err := entry.backend.Step(c.Request().Context(), entry.handle, req.Action)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (d *Daemon) handleEnvInfo(c echo.Context) error {
	envID := c.Param("env_id")

	d.mu.RLock()
	entry, ok := d.envHandles[envID]
	d.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("env %q not found", envID))
	}

	info, err := entry.backend.GetInfo(c.Request().Context(), entry.handle)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

func (d *Daemon) handleEnvTasks(c echo.Context) error {
	backendName := c.Param("backend")
	suite := c.QueryParam("suite")

	// Prefer a live container for a dynamic task listing; otherwise a
	// fresh backend instance serves its static catalog.
	d.mu.RLock()
	b, ok := d.envBackends[backendName]
	var handle *backend.EnvHandle
	if ok {
		for _, entry := range d.envHandles {
			if entry.backend.Name() == backendName {
				handle = entry.handle
				break
			}
		}
	}
	d.mu.RUnlock()

	if !ok {
		var err error
		b, err = backend.NewEnv(backendName, d.cfg)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	tasks, err := b.ListTasks(c.Request().Context(), handle, suite)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tasks)
}

func (d *Daemon) handleStopSingleEnv(c echo.Context) error {
	envID := c.Param("env_id")
	ctx := c.Request().Context()

	d.mu.Lock()
	entry, ok := d.envHandles[envID]
	if ok {
		delete(d.envHandles, envID)
	}
	d.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("env %q not found", envID))
	}

	if err := entry.backend.Stop(ctx, entry.handle); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	d.forgetContainer(ctx, entry.handle.ContainerID)

	return c.JSON(http.StatusOK, map[string]any{"stopped": envID})
}

func (d *Daemon) handleStopAllEnvs(c echo.Context) error {
	ctx := c.Request().Context()

	d.mu.Lock()
	entries := make(map[string]envEntry, len(d.envHandles))
	for id, entry := range d.envHandles {
		entries[id] = entry
		delete(d.envHandles, id)
	}
	d.mu.Unlock()

	for id, entry := range entries {
		if err := entry.backend.Stop(ctx, entry.handle); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError,
				fmt.Sprintf("failed to stop env %q: %v", id, err))
		}
		d.forgetContainer(ctx, entry.handle.ContainerID)
	}

	return c.JSON(http.StatusOK, map[string]any{"stopped": true})
}

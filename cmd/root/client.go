package root

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
)

// defaultTimeout bounds the quick control-plane requests. Long-running
// calls (run, pull, serve) pass their own budgets.
const defaultTimeout = 30 * time.Second

// daemonURL returns the base URL of the local daemon.
func daemonURL(cfg *config.Config, portOverride int) string {
	port := cfg.Daemon.Port
	if portOverride > 0 {
		port = portOverride
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// daemonRequest performs one JSON request against the daemon and decodes
// the response into out (which may be nil).
func daemonRequest(method, url string, body, out any, timeout time.Duration) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "connection refused") {
			return fmt.Errorf("daemon not running. Start it with 'maple serve'")
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var detail struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &detail) == nil && detail.Message != "" {
			msg = detail.Message
		}
		return fmt.Errorf("daemon error (%d): %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

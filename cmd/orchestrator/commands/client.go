package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
)

// apiClient is a thin HTTP client against the orchestrator daemon's
// External API, mirroring the request/response shapes of
// internal/orchestrator.API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

type apiErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// do issues req, decoding the body into out on success (if out is
// non-nil) and translating a non-2xx response into an *orcherr.Error
// carrying the kind the daemon reported, so the CLI's exit code matches
// the daemon's own error taxonomy.
func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "cli.request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "cli.request", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr apiErrorBody
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return orcherr.New(orcherr.Kind(apiErr.Kind), "cli.request", fmt.Errorf("%s", apiErr.Error))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
)

// apiClient is the thin HTTP side of the CLI. Responses are decoded into the
// caller's type, or dumped verbatim when --json is set.
type apiClient struct {
	base    string
	http    *http.Client
	rawJSON bool
}

func newAPIClient(base string, rawJSON bool) *apiClient {
	return &apiClient{
		base:    base,
		rawJSON: rawJSON,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) patch(path string, body, out any) error {
	return c.do(http.MethodPatch, path, body, out)
}

func (c *apiClient) delete(path string, body, out any) error {
	return c.do(http.MethodDelete, path, body, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is \"elemental serve\" running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if c.rawJSON {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// decodeAPIError rebuilds an AppError from the daemon's error envelope so
// the exit-code mapping works the same on both sides of the wire.
func decodeAPIError(status int, data []byte) error {
	var envelope struct {
		Error apperrors.AppError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		envelope.Error.HTTPStatus = status
		return &envelope.Error
	}
	return apperrors.Internal(fmt.Sprintf("unexpected response (HTTP %d)", status), nil)
}

// printJSON writes v to stdout, indented. Used by commands whose output has
// no table form.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

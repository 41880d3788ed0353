// Package cli implements the client subcommands that drive a running
// PatchVec server over its HTTP API. Every command prints the server's JSON
// envelope and exits nonzero when the envelope reports a failure.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	envAddr = "PATCHVEC_ADDR"
	envKey  = "PATCHVEC_API_KEY"

	defaultAddr = "http://127.0.0.1:8086"
)

// Commands returns the full client command set.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		newCreateCollectionCmd(),
		newDeleteCollectionCmd(),
		newRenameCollectionCmd(),
		newListCollectionsCmd(),
		newIngestCmd(),
		newSearchCmd(),
		newDeleteDocumentCmd(),
		newListTenantsCmd(),
		newDumpArchiveCmd(),
		newRestoreArchiveCmd(),
		newResetMetricsCmd(),
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "server base URL (default "+defaultAddr+" or $"+envAddr+")")
	cmd.Flags().String("api-key", "", "bearer API key (or $"+envKey+")")
	cmd.Flags().Bool("compact", false, "single-line JSON output")
}

type client struct {
	base string
	key  string
	hc   *http.Client
}

func clientFromCmd(cmd *cobra.Command) *client {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv(envAddr)
	}
	if addr == "" {
		addr = defaultAddr
	}
	key, _ := cmd.Flags().GetString("api-key")
	if key == "" {
		key = os.Getenv(envKey)
	}
	return &client{
		base: strings.TrimRight(addr, "/"),
		key:  key,
		hc:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *client) do(method, path, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, 0, err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func (c *client) doJSON(method, path string, payload any) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	return c.do(method, path, "application/json", bytes.NewReader(raw))
}

// render prints the response and converts HTTP failures into an error so the
// process exit code reflects the outcome.
func render(cmd *cobra.Command, data []byte, status int) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(data)))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if compact, _ := cmd.Flags().GetBool("compact"); !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return err
	}

	if status >= 400 {
		if m, ok := v.(map[string]any); ok {
			return fmt.Errorf("%v: %v", m["code"], m["error"])
		}
		return fmt.Errorf("request failed with status %d", status)
	}
	return nil
}

// Package main implements the shopctl CLI for manual operations against
// the shopsyncd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the shopsyncd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shopctl",
	Short: "CLI for shopsyncd operations",
	Long: `shopctl is a command-line interface for the shopsyncd daemon.
It connects and disconnects tenant stores, triggers resyncs, polls
operation progress, and asks the assistant questions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "shopsyncd server URL")
	connectCmd.Flags().StringVar(&connectPlatformURL, "platform-url", "", "commerce platform endpoint for the tenant")
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(opCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(freshnessCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(healthCmd)
}

var connectPlatformURL string

var connectCmd = &cobra.Command{
	Use:   "connect <tenant-id>",
	Short: "Connect a store and build its knowledge base",
	Long: `Connect a tenant's store and start the initial knowledge-base build.

Examples:
  shopctl connect acme-shoes --platform-url https://acme.example.com
  shopctl op <operation-id>   # poll progress afterwards`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			OperationID string `json:"operation_id"`
		}
		err := postJSON(fmt.Sprintf("/api/v1/tenants/%s/connect", args[0]),
			map[string]string{"platform_url": connectPlatformURL}, &out)
		if err != nil {
			return err
		}
		fmt.Printf("Operation: %s\n", out.OperationID)
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync <tenant-id>",
	Short: "Trigger a manual resync",
	Long: `Trigger a manual resync of a tenant's knowledge base.

If a structural operation currently holds the tenant lock the resync is
skipped, not queued; run it again later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			OperationID string `json:"operation_id"`
			Skipped     bool   `json:"skipped"`
		}
		err := postJSON(fmt.Sprintf("/api/v1/tenants/%s/resync", args[0]), nil, &out)
		if err != nil {
			return err
		}
		if out.Skipped {
			fmt.Println("Skipped: tenant is busy, try again later")
			return nil
		}
		fmt.Printf("Operation: %s\n", out.OperationID)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <tenant-id>",
	Short: "Disconnect a store and tear down its knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			OperationID string `json:"operation_id"`
		}
		err := postJSON(fmt.Sprintf("/api/v1/tenants/%s/disconnect", args[0]), nil, &out)
		if err != nil {
			return err
		}
		fmt.Printf("Operation: %s\n", out.OperationID)
		return nil
	},
}

var opCmd = &cobra.Command{
	Use:   "op <operation-id>",
	Short: "Show an operation's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := getJSON("/api/v1/operations/"+args[0], &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Request cooperative cancellation of an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON("/api/v1/operations/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("Cancellation requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and active operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := getJSON("/api/v1/status", &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var freshnessCmd = &cobra.Command{
	Use:   "freshness <tenant-id>",
	Short: "Show whether a tenant's knowledge base is freshly readable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := getJSON(fmt.Sprintf("/api/v1/tenants/%s/freshness", args[0]), &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <tenant-id> <question>",
	Short: "Ask the assistant a question about a tenant's catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Text             string `json:"text"`
			Stale            bool   `json:"stale"`
			EstimatedFreshAt string `json:"estimated_fresh_at"`
		}
		err := postJSON(fmt.Sprintf("/api/v1/tenants/%s/ask", args[0]),
			map[string]string{"question": args[1]}, &out)
		if err != nil {
			return err
		}
		fmt.Println(out.Text)
		if out.Stale {
			fmt.Fprintf(os.Stderr, "\n[shopctl] Answer may be stale, sync in progress")
			if out.EstimatedFreshAt != "" {
				fmt.Fprintf(os.Stderr, " (fresh around %s)", out.EstimatedFreshAt)
			}
			fmt.Fprintln(os.Stderr)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check shopsyncd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Status string `json:"status"`
		}
		if err := getJSON("/health", &out); err != nil {
			return err
		}
		fmt.Printf("Server Status: %s\n", out.Status)
		fmt.Printf("Server URL: %s\n", serverURL)
		return nil
	},
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(path string, out any) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

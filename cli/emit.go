package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// EnvServerURL sets the default --server for client commands.
const EnvServerURL = "PETALBUS_URL"

// NewEmitCmd creates the "emit" subcommand.
func NewEmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit <event> [json | -]",
		Short: "Emit an event on a running petalbus server",
		Long: "Emit an event on a running petalbus server. The payload is a JSON object " +
			"given inline, read from stdin with \"-\", or omitted.",
		Args: cobra.RangeArgs(1, 2),
		RunE: runEmit,
	}

	cmd.Flags().String("server", "", "Server base URL (default: $PETALBUS_URL or http://127.0.0.1:8080)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Request timeout")

	return cmd
}

func runEmit(cmd *cobra.Command, args []string) error {
	event := args[0]
	if strings.TrimSpace(event) == "" {
		return exitError(exitInputParse, "event name must not be empty")
	}

	var payload []byte
	if len(args) == 2 {
		if args[1] == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			payload = data
		} else {
			payload = []byte(args[1])
		}
		if !json.Valid(payload) {
			return exitError(exitInputParse, "payload is not valid JSON")
		}
	}

	base := serverURL(cmd)
	timeout, _ := cmd.Flags().GetDuration("timeout")
	client := &http.Client{Timeout: timeout}

	endpoint := strings.TrimRight(base, "/") + "/api/events/" + url.PathEscape(event)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return exitError(exitInputParse, "invalid server URL %q: %v", base, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return exitError(exitRuntime, "emit failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return exitError(exitRuntime, "emit failed: %s", describeAPIError(resp.StatusCode, body))
	}

	var result struct {
		Event     string `json:"event"`
		Listeners int    `json:"listeners"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "emitted %q to %d listener(s)\n", result.Event, result.Listeners)
	return nil
}

func serverURL(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("server"); strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerURL)); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

// describeAPIError renders the server's error envelope, falling back to the
// raw body.
func describeAPIError(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Sprintf("%s (%d): %s", envelope.Error.Code, status, envelope.Error.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

package main

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

	"github.com/rcourtman/netdiag/internal/capture"
)

var (
	serverURL       string
	captureDuration int
	captureMode     string
	captureIface    string
	historyLimit    int
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Control packet capture sessions on a running server",
}

var captureStartCmd = &cobra.Command{
	Use:   "start <target>",
	Short: "Start a packet capture",
	Example: `  netdiag capture start sina.com --duration 30
  netdiag capture start 10.0.0.1 --mode tcp --interface eth0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := capture.StartRequest{
			Target:          args[0],
			DurationSeconds: captureDuration,
			Mode:            captureMode,
			Interface:       captureIface,
		}
		return callServer(cmd.OutOrStdout(), http.MethodPost, "/api/capture/start", req)
	},
}

var captureStatusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a capture session (the latest one when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/capture/status"
		if len(args) == 1 {
			path += "?sessionId=" + url.QueryEscape(args[0])
		}
		return callServer(cmd.OutOrStdout(), http.MethodGet, path, nil)
	},
}

var captureStopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Stop a capture session (the latest one when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callServer(cmd.OutOrStdout(), http.MethodPost, "/api/capture/stop", sessionBody(args))
	},
}

var captureAnalyzeCmd = &cobra.Command{
	Use:   "analyze [session-id]",
	Short: "Summarize a finished capture",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callServer(cmd.OutOrStdout(), http.MethodPost, "/api/capture/analyze", sessionBody(args))
	},
}

var captureHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently finished captures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callServer(cmd.OutOrStdout(), http.MethodGet, fmt.Sprintf("/api/capture/history?limit=%d", historyLimit), nil)
	},
}

func init() {
	defaultServer := os.Getenv("NETDIAG_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:7680"
	}
	captureCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "netdiag server base URL")

	captureStartCmd.Flags().IntVar(&captureDuration, "duration", capture.DefaultDurationSeconds, "capture duration in seconds")
	captureStartCmd.Flags().StringVar(&captureMode, "mode", capture.DefaultMode, "capture mode")
	captureStartCmd.Flags().StringVar(&captureIface, "interface", "", "capture interface (provider default when empty)")
	captureHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of sessions")

	captureCmd.AddCommand(captureStartCmd, captureStatusCmd, captureStopCmd, captureAnalyzeCmd, captureHistoryCmd)
}

func sessionBody(args []string) map[string]string {
	body := map[string]string{}
	if len(args) == 1 {
		body["sessionId"] = args[0]
	}
	return body
}

// callServer sends the request and pretty-prints the JSON reply. Error
// replies become command errors.
func callServer(out io.Writer, method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

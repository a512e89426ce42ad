package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/cli/output"
)

var (
	statusOutput  string
	statusAPIPort int
	statusHost    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the status of a running vired server.

This command calls the readiness endpoint of the control API and shows
whether the root session is active, with the number of active sessions
and stored reservations.

Examples:
  # Check status on the default port
  vired status

  # Check a server on another port
  vired status --api-port 9080

  # Output as JSON
  vired status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusHost, "host", "localhost", "API server host")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8080, "API server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus is the result of a readiness probe.
type ServerStatus struct {
	Running      bool   `json:"running" yaml:"running"`
	Ready        bool   `json:"ready" yaml:"ready"`
	Message      string `json:"message" yaml:"message"`
	Root         string `json:"root,omitempty" yaml:"root,omitempty"`
	Sessions     int    `json:"sessions" yaml:"sessions"`
	Reservations int    `json:"reservations" yaml:"reservations"`
}

func (s ServerStatus) Headers() []string { return []string{"field", "value"} }

func (s ServerStatus) Rows() [][]string {
	state := "stopped"
	switch {
	case s.Ready:
		state = "ready"
	case s.Running:
		state = "running (not ready)"
	}
	root := s.Root
	if root == "" {
		root = "-"
	}
	return [][]string{
		{"Status", state},
		{"Root session", root},
		{"Active sessions", fmt.Sprint(s.Sessions)},
		{"Reservations", fmt.Sprint(s.Reservations)},
		{"Message", s.Message},
	}
}

type readinessResponse struct {
	Status string `json:"status"`
	Data   struct {
		Sessions     int    `json:"sessions"`
		Reservations int    `json:"reservations"`
		Root         string `json:"root"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

func probeStatus(client *http.Client, url string) ServerStatus {
	status := ServerStatus{Message: "Server is not running"}

	resp, err := client.Get(url)
	if err != nil {
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true
	var body readinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		status.Message = "Server is running but health response invalid"
		return status
	}

	status.Ready = resp.StatusCode == http.StatusOK && body.Status == "healthy"
	status.Root = body.Data.Root
	status.Sessions = body.Data.Sessions
	status.Reservations = body.Data.Reservations
	if status.Ready {
		status.Message = "Server is running and ready"
	} else {
		status.Message = fmt.Sprintf("Server is running but not ready: %s", body.Error)
	}
	return status
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 2 * time.Second}
	status := probeStatus(client, fmt.Sprintf("http://%s:%d/health/ready", statusHost, statusAPIPort))

	return output.Print(cmd.OutOrStdout(), format, status)
}

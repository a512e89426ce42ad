package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/cli/output"
	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/config"
	"github.com/vire-cms/vire/pkg/reservation/store"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/session/manager"
	"github.com/vire-cms/vire/pkg/usecase/factory"
)

var planOutput string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Plan sessions offline",
}

var sessionPlanCmd = &cobra.Command{
	Use:   "plan FILE...",
	Short: "Resolve property files against the configured sessions",
	Long: `Resolve session property files without a running server.

The configured sessions are booked in memory first, then each file is
reserved in the order given. For each request the command prints the
advice of the resolver: create a new session, enter an existing one or
the reason of the rejection. Nothing is persisted.

Files are YAML or JSON property sets, e.g.

  key: calib
  role: expert
  when: (now ; 2 hour)
  usecase: Calibration

Examples:
  vired session plan calib.yaml night-run.yaml
  vired session plan calib.yaml --output json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSessionPlan,
}

func init() {
	sessionPlanCmd.Flags().StringVarP(&planOutput, "output", "o", "table", "Output format (table|json|yaml)")
	sessionCmd.AddCommand(sessionPlanCmd)
}

// PlanEntry is the resolver advice for one request.
type PlanEntry struct {
	File      string `json:"file" yaml:"file"`
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
	Action    string `json:"action" yaml:"action"`
	Role      string `json:"role,omitempty" yaml:"role,omitempty"`
	Period    string `json:"period,omitempty" yaml:"period,omitempty"`
	SessionID int32  `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Plan renders as a table.
type Plan []PlanEntry

func (p Plan) Headers() []string {
	return []string{"file", "key", "action", "role", "period", "id", "reason"}
}

func (p Plan) Rows() [][]string {
	rows := make([][]string, 0, len(p))
	for _, e := range p {
		id := ""
		if e.SessionID > 0 {
			id = fmt.Sprint(e.SessionID)
		}
		rows = append(rows, []string{e.File, e.Key, e.Action, e.Role, e.Period, id, e.Reason})
	}
	return rows
}

func newPlanner(cfg *config.Config) (*manager.Manager, error) {
	cat, err := cfg.BuildCatalog()
	if err != nil {
		return nil, err
	}
	users, err := cfg.BuildUsers()
	if err != nil {
		return nil, err
	}
	db, err := cfg.BuildModelDB()
	if err != nil {
		return nil, err
	}
	return manager.New(manager.Config{
		TickInterval:   cfg.Server.TickInterval,
		CheckUCFactory: cfg.Server.CheckUCFactory,
	}, cat, users, factory.New(db, factory.NewRegistryWithBuiltins()), store.NewMemory()), nil
}

func plan(ctx context.Context, cfg *config.Config, files []string) (Plan, error) {
	m, err := newPlanner(cfg)
	if err != nil {
		return nil, err
	}
	root, static := cfg.SessionEntries()
	if err := m.Bootstrap(ctx, root, static); err != nil {
		return nil, fmt.Errorf("configured sessions: %w", err)
	}

	out := make(Plan, 0, len(files))
	for _, file := range files {
		props, err := session.ReadPropertiesFile(file)
		if err != nil {
			return nil, err
		}
		entry := PlanEntry{File: file}
		entry.Key, _ = props["key"].(string)

		r, poss, err := m.Reserve(ctx, props)
		switch {
		case err != nil:
			entry.Action = "rejected"
			entry.Reason = err.Error()
			var rejected *cmserrors.ReservationRejectedError
			if errors.As(err, &rejected) {
				entry.Reason = rejected.Reason.String()
				if rejected.ConflictingKey != "" {
					entry.Reason += " (conflicts with " + rejected.ConflictingKey + ")"
				}
			}
		default:
			entry.Action = poss.Action.String()
			entry.Role = poss.Role
			entry.Period = poss.Period.String()
			if poss.Action == session.ActionEnterSession {
				entry.Key = poss.SessionKey
			}
			if r != nil {
				entry.SessionID = r.SessionID
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func runSessionPlan(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(planOutput)
	if err != nil {
		return err
	}
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	logger.SetLevel("ERROR")

	p, err := plan(cmd.Context(), cfg, args)
	if err != nil {
		return err
	}
	return output.Print(cmd.OutOrStdout(), format, p)
}

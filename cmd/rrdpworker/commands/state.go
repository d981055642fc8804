package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpki-tools/rrdpworker/internal/persist"
	"github.com/rpki-tools/rrdpworker/internal/persist/boltstore"
	"github.com/rpki-tools/rrdpworker/internal/persist/pgstore"
	"github.com/rpki-tools/rrdpworker/internal/rrdpconfig"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted repository session/serial state",
	Long: `state opens the configured storage backend directly, bypassing the
Scheduler and the control channel entirely. It exists for operators to
look at what a parent process has recorded about a
repository's last-synced session and serial, not as part of normal
worker operation.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <label>",
	Short: "Print the persisted state for one repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
}

func openRepository(cfg *rrdpconfig.AppConfig) (persist.Repository, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return pgstore.Open(context.Background(), cfg.Storage.PostgresDSN)
	default:
		return boltstore.Open(cfg.Storage.BoltPath)
	}
}

func runStateShow(cmd *cobra.Command, args []string) error {
	label := args[0]

	cfg, err := rrdpconfig.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("state show: open storage: %w", err)
	}
	defer func() { _ = repo.Close() }()

	state, err := repo.Load(cmd.Context(), label)
	if err != nil {
		if err == persist.ErrNotFound {
			fmt.Printf("no persisted state for %q\n", label)
			return nil
		}
		return fmt.Errorf("state show: load %q: %w", label, err)
	}

	fmt.Printf("label:         %s\n", label)
	fmt.Printf("session_id:    %s\n", state.SessionID)
	fmt.Printf("serial:        %d\n", state.Serial)
	fmt.Printf("last_modified: %s\n", state.LastModified)
	return nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/pkg/db"
	"github.com/fly-io/littlefs-tool/pkg/errors"
)

var statusCmd = &cobra.Command{
	Use:   "sync-status",
	Short: "List recent sync runs and their status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	statusCmd.Flags().String("name", "", "Only show runs for this state key")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	name, _ := cmd.Flags().GetString("name")

	if err := ensureDirectories(settings.StateDB, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(settings.StateDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns(name, limit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No sync runs found")
		return nil
	}

	fmt.Printf("%-36s %-24s %-12s %-16s %-25s\n", "RUN", "TARGET", "STATUS", "REASON", "UPDATED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		reason := run.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Printf("%-36s %-24s %-12s %-16s %-25s\n",
			run.ID, run.Target, run.Status, reason, run.UpdatedAt)
		if run.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", run.ErrorMessage)
		}
	}

	return nil
}

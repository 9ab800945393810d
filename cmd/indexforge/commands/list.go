package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/indexforge/indexforge/internal/config"
	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all build requests and their state",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	requests, err := repo.ListRequests()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(requests) == 0 {
		fmt.Println("No requests found")
		return nil
	}

	fmt.Printf("%-6s %-28s %-12s %-8s %-30s %s\n", "ID", "TYPE", "STATE", "BATCH", "USER", "INDEX IMAGE")
	fmt.Println("--------------------------------------------------------------------------------------------------------")

	for _, req := range requests {
		batch := "-"
		if req.BatchID != 0 {
			batch = fmt.Sprintf("%d", req.BatchID)
		}
		image := req.IndexImage
		if image == "" {
			image = "-"
		}
		fmt.Printf("%-6d %-28s %-12s %-8s %-30s %s\n",
			req.ID, req.Type, req.State, batch, req.User, image)
	}
	return nil
}

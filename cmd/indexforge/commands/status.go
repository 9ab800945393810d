package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/indexforge/indexforge/internal/config"
	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
)

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show one request and its full state history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	req, err := repo.GetRequest(id)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if req == nil {
		return fmt.Errorf("request %d not found", id)
	}

	fmt.Printf("request %d\n", req.ID)
	fmt.Printf("  type:  %s\n", req.Type)
	fmt.Printf("  user:  %s\n", req.User)
	fmt.Printf("  state: %s\n", req.State)
	if req.BatchID != 0 {
		fmt.Printf("  batch: %d\n", req.BatchID)
	}
	if req.IndexImage != "" {
		fmt.Printf("  image: %s\n", req.IndexImage)
	}

	history, err := repo.StateHistory(id)
	if err != nil {
		return errors.Wrap(err, "history lookup failed")
	}
	fmt.Println("history:")
	for _, entry := range history {
		fmt.Printf("  %-20s %-12s %s\n", entry.CreatedAt, entry.State, entry.Reason)
	}
	return nil
}

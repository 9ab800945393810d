package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/indexforge/indexforge/pkg/build"
	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file.json>",
	Short: "Submit a batch of build requests from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
}

type batchFile struct {
	User        string            `json:"user"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Requests    []batchFileEntry  `json:"requests"`
}

type batchFileEntry struct {
	Type         string        `json:"type"`
	Organization string        `json:"organization,omitempty"`
	Payload      build.Payload `json:"payload"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read the batch file")
	}
	var spec batchFile
	if err := json.Unmarshal(data, &spec); err != nil {
		return errors.Wrap(err, "failed to parse the batch file")
	}
	if spec.User == "" {
		return fmt.Errorf("the batch file names no user")
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.repo.Close()

	annotations := ""
	if len(spec.Annotations) > 0 {
		raw, err := json.Marshal(spec.Annotations)
		if err != nil {
			return errors.Wrap(err, "failed to encode the batch annotations")
		}
		annotations = string(raw)
	}

	batch := &db.Batch{User: spec.User, Annotations: annotations}
	members := make([]*db.Request, 0, len(spec.Requests))
	payloads := make([]build.Payload, 0, len(spec.Requests))
	for _, entry := range spec.Requests {
		members = append(members, &db.Request{
			Type:         entry.Type,
			User:         spec.User,
			Organization: entry.Organization,
		})
		payloads = append(payloads, entry.Payload)
	}

	if err := rt.orch.SubmitBatch(ctx, batch, members, payloads); err != nil {
		rt.drain()
		return errors.Wrap(err, "batch rejected")
	}
	slog.Info("batch_submitted", "batch_id", batch.ID, "member_count", len(members))

	rt.drain()

	state, err := rt.repo.BatchState(batch.ID)
	if err != nil {
		return errors.Wrap(err, "failed to derive the batch outcome")
	}
	fmt.Printf("batch %d: %s\n", batch.ID, state)

	final, err := rt.repo.BatchMembers(batch.ID)
	if err != nil {
		return errors.Wrap(err, "failed to load the batch members")
	}
	for _, member := range final {
		fmt.Printf("  request %d (%s): %s\n", member.ID, member.Type, member.State)
	}

	if state == db.StateFailed {
		return fmt.Errorf("batch %d failed", batch.ID)
	}
	return nil
}

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/indexforge/indexforge/pkg/build"
	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one build request and wait for its outcome",
	RunE:  runSubmit,
}

var submitFlags struct {
	reqType           string
	user              string
	organization      string
	bundles           []string
	operators         []string
	bundleImage       string
	fromIndex         string
	sourceFromIndex   string
	targetIndex       string
	outputRegistry    string
	tag               string
	binaryImage       string
	distributionScope string
	deprecationList   []string
}

func init() {
	submitCmd.Flags().StringVar(&submitFlags.reqType, "type", build.TypeAddBundle, "Request type")
	submitCmd.Flags().StringVar(&submitFlags.user, "user", "", "Submitting user")
	submitCmd.Flags().StringVar(&submitFlags.organization, "organization", "", "Organization whose customizations apply")
	submitCmd.Flags().StringSliceVar(&submitFlags.bundles, "bundles", nil, "Bundle pull specifications to add")
	submitCmd.Flags().StringSliceVar(&submitFlags.operators, "operators", nil, "Operator package names to remove")
	submitCmd.Flags().StringVar(&submitFlags.bundleImage, "bundle-image", "", "Bundle image to regenerate or walk")
	submitCmd.Flags().StringVar(&submitFlags.fromIndex, "from-index", "", "Index to build on top of")
	submitCmd.Flags().StringVar(&submitFlags.sourceFromIndex, "source-from-index", "", "Source index for merge")
	submitCmd.Flags().StringVar(&submitFlags.targetIndex, "target-index", "", "Target index for merge")
	submitCmd.Flags().StringVar(&submitFlags.outputRegistry, "output-registry", "", "Registry the built image is pushed to")
	submitCmd.Flags().StringVar(&submitFlags.tag, "tag", "", "Tag for the pushed image (defaults to the request id)")
	submitCmd.Flags().StringVar(&submitFlags.binaryImage, "binary-image", "", "Binary image override")
	submitCmd.Flags().StringVar(&submitFlags.distributionScope, "distribution-scope", "", "Requested distribution scope (dev, stage, prod)")
	submitCmd.Flags().StringSliceVar(&submitFlags.deprecationList, "deprecation-list", nil, "Bundles excluded when merging")
	submitCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.repo.Close()

	req := &db.Request{
		Type:         submitFlags.reqType,
		User:         submitFlags.user,
		Organization: submitFlags.organization,
	}
	payload := build.Payload{
		Bundles:           submitFlags.bundles,
		Operators:         submitFlags.operators,
		BundleImage:       submitFlags.bundleImage,
		FromIndex:         submitFlags.fromIndex,
		SourceFromIndex:   submitFlags.sourceFromIndex,
		TargetIndex:       submitFlags.targetIndex,
		OutputRegistry:    submitFlags.outputRegistry,
		Tag:               submitFlags.tag,
		BinaryImage:       submitFlags.binaryImage,
		DistributionScope: submitFlags.distributionScope,
		DeprecationList:   submitFlags.deprecationList,
		Organization:      submitFlags.organization,
	}

	if err := rt.orch.Submit(ctx, req, payload); err != nil {
		rt.drain()
		return errors.Wrap(err, "submission rejected")
	}
	slog.Info("request_submitted", "request_id", req.ID, "type", req.Type)

	// Drain the queue: the request has finished once drain returns.
	rt.drain()

	final, err := rt.repo.GetRequest(req.ID)
	if err != nil || final == nil {
		return errors.Wrap(err, "failed to load the request outcome")
	}

	fmt.Printf("request %d: %s\n", final.ID, final.State)
	if final.StateReason != "" {
		fmt.Printf("  reason: %s\n", final.StateReason)
	}
	if final.IndexImage != "" {
		fmt.Printf("  image:  %s\n", final.IndexImage)
	}
	if final.State == db.StateFailed {
		return fmt.Errorf("request %d failed", final.ID)
	}
	return nil
}

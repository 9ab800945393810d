package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/indexforge/indexforge/pkg/errors"
)

// DigestResolver resolves a mutable pull specification to its immutable
// digest form. Satisfied by the registry executor.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, pullSpec string) (string, error)
}

// Pin replaces every tag-based image reference in the bundle's CSVs
// with its digest form and records the result in relatedImages.
//
// The whole step is skipped when the CSV already declares relatedImages
// or when the pinned label is already stamped; organization
// customizations are never affected by the skip. Re-running Pin on an
// already-pinned bundle is therefore a no-op.
func Pin(ctx context.Context, set *ManifestSet, resolver DigestResolver) error {
	if set.Labels[PinnedLabel] == PinnedLabelValue {
		slog.Info("pin_skipped", "reason", "pinned_label_present", "package", set.PackageName)
		return nil
	}
	if hasRelatedImages(set) {
		slog.Info("pin_skipped", "reason", "related_images_declared", "package", set.PackageName)
		return nil
	}

	for _, csv := range set.CSVs() {
		resolved := map[string]string{}
		var pinErr error

		rewriteImages(csv, func(pullSpec string) string {
			if pinErr != nil || strings.Contains(pullSpec, "@") {
				return pullSpec
			}
			digestRef, ok := resolved[pullSpec]
			if !ok {
				var err error
				digestRef, err = resolver.ResolveDigest(ctx, pullSpec)
				if err != nil {
					pinErr = errors.Wrap(err, fmt.Sprintf("failed to pin %s", pullSpec))
					return pullSpec
				}
				resolved[pullSpec] = digestRef
			}
			return digestRef
		})
		if pinErr != nil {
			return pinErr
		}

		related := relatedImagesFrom(csv)
		spec, ok := csv["spec"].(map[string]any)
		if !ok {
			spec = map[string]any{}
			csv["spec"] = spec
		}
		spec["relatedImages"] = related
		slog.Info("pin_complete", "package", set.PackageName, "related_images", len(related))
	}

	set.Labels[PinnedLabel] = PinnedLabelValue
	return nil
}

// hasRelatedImages reports whether any CSV already declares a
// relatedImages list.
func hasRelatedImages(set *ManifestSet) bool {
	for _, csv := range set.CSVs() {
		spec, ok := csv["spec"].(map[string]any)
		if !ok {
			continue
		}
		if related, ok := spec["relatedImages"].([]any); ok && len(related) > 0 {
			return true
		}
	}
	return false
}

// relatedImagesFrom builds the relatedImages entries from every pull
// specification referenced by the CSV.
func relatedImagesFrom(csv map[string]any) []any {
	var related []any
	for _, image := range collectImages(csv) {
		name := image
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if i := strings.IndexAny(name, ":@"); i >= 0 {
			name = name[:i]
		}
		related = append(related, map[string]any{
			"name":  name,
			"image": image,
		})
	}
	return related
}

package bundle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/indexforge/indexforge/pkg/errors"
)

// Pipeline applies reference pinning followed by an organization's
// ordered customization directives to a bundle's manifest set. The
// directive list is a fold: each directive's output is the next one's
// input, in exactly the configured order.
type Pipeline struct {
	resolver   DigestResolver
	directives []Directive
}

// NewPipeline creates a pipeline for one organization's directive list.
func NewPipeline(resolver DigestResolver, directives []Directive) *Pipeline {
	return &Pipeline{resolver: resolver, directives: directives}
}

// Run transforms the manifest set in place. Pinning always precedes
// the organization directives; a skipped pin never skips them.
func (p *Pipeline) Run(ctx context.Context, set *ManifestSet) error {
	if err := Pin(ctx, set, p.resolver); err != nil {
		return err
	}

	for i, directive := range p.directives {
		slog.Info("customization_apply",
			"directive", directive.Name(), "position", i, "package", set.PackageName)
		if err := directive.Apply(ctx, set); err != nil {
			return errors.Wrap(err, fmt.Sprintf("customization %s failed", directive.Name()))
		}
	}
	return nil
}

// Package build runs the lifecycle of index build requests: a
// prepare/gate/customize/index/push state machine per request, plus the
// orchestrator that admits requests, routes them to queue lanes and
// performs the single terminal transition.
package build

import (
	"context"
	"time"

	"github.com/superfly/fsm"

	"github.com/indexforge/indexforge/pkg/bundle"
	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
	"github.com/indexforge/indexforge/pkg/indexservice"
	"github.com/indexforge/indexforge/pkg/registry"
)

// RegistryClient covers the registry operations the handlers need.
// Satisfied by *registry.Executor.
type RegistryClient interface {
	Pull(ctx context.Context, pullSpec string) error
	Push(ctx context.Context, localRef, pullSpec string) error
	Tag(ctx context.Context, sourceRef, targetRef string) error
	ResolveDigest(ctx context.Context, pullSpec string) (string, error)
	ImageLabels(ctx context.Context, pullSpec string) (map[string]string, error)
	ImageArches(ctx context.Context, pullSpec string) ([]string, error)
}

// IndexHandle is one acquired index-service subprocess.
type IndexHandle interface {
	Release()
	ListPackages(ctx context.Context) (string, error)
	ListBundles(ctx context.Context) (string, error)
}

// IndexService acquires index-service handles.
type IndexService interface {
	Acquire(ctx context.Context, indexImage string) (IndexHandle, error)
}

// OPMService adapts the indexservice manager to the IndexService
// interface used by the handlers.
type OPMService struct {
	Manager *indexservice.Manager
}

func (s OPMService) Acquire(ctx context.Context, indexImage string) (IndexHandle, error) {
	h, err := s.Manager.Acquire(ctx, indexImage)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Gater decides whether a bundle may proceed. Satisfied by
// *gating.Client.
type Gater interface {
	Require(ctx context.Context, bundleRef string, policyParams []string) error
}

// BundleLoader moves manifest sets in and out of bundle images.
// Satisfied by *bundle.ImageLoader.
type BundleLoader interface {
	Load(ctx context.Context, bundleImage string) (*bundle.ManifestSet, error)
	Save(ctx context.Context, set *bundle.ManifestSet, targetRef string) error
}

// LanePolicy is the gating posture of one queue lane.
type LanePolicy struct {
	Gated        bool
	PolicyParams []string
}

// DirectiveSpec is one configured customization step for an
// organization, in application order.
type DirectiveSpec struct {
	Type         string
	Annotations  map[string]string
	Suffix       string
	Replacements map[string]string
	Template     string
	Glue         string
	Namespace    string
}

// Options carries the static configuration the handlers consult.
type Options struct {
	RequiredLabels map[string]string

	// BinaryImages selects the base image for index builds, keyed by
	// distribution scope then index version.
	BinaryImages map[string]map[string]string

	Organizations map[string][]DirectiveSpec
	LanePolicies  map[string]LanePolicy

	CommandTimeout time.Duration
}

// Machine holds dependencies for the build state machine transitions.
type Machine struct {
	repo     *db.Repository
	registry RegistryClient
	indexes  IndexService
	gater    Gater
	loader   BundleLoader
	runner   registry.CommandRunner
	opts     Options
}

// NewMachine creates a machine with dependencies. runner executes the
// index tooling commands and defaults to os/exec.
func NewMachine(
	repo *db.Repository,
	registryClient RegistryClient,
	indexes IndexService,
	gater Gater,
	loader BundleLoader,
	runner registry.CommandRunner,
	opts Options,
) *Machine {
	if runner == nil {
		runner = registry.ExecRunner
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	return &Machine{
		repo:     repo,
		registry: registryClient,
		indexes:  indexes,
		gater:    gater,
		loader:   loader,
		runner:   runner,
		opts:     opts,
	}
}

// Register registers the index build FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[BuildRequest, BuildResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[BuildRequest, BuildResponse](manager, "index-build").
		Start(StatePrepare, m.handlePrepare).
		To(StateGate, m.handleGate).
		To(StateCustomize, m.handleCustomize).
		To(StateIndex, m.handleIndex).
		To(StatePush, m.handlePush).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// directivesFor builds the ordered directive list for an organization.
// The bundle image is threaded into directives that resolve labels at
// apply time.
func (m *Machine) directivesFor(org, bundleImage string) ([]bundle.Directive, error) {
	specs := m.opts.Organizations[org]
	directives := make([]bundle.Directive, 0, len(specs))
	for _, spec := range specs {
		switch spec.Type {
		case "csv_annotations":
			directives = append(directives, bundle.CSVAnnotations{Annotations: spec.Annotations})
		case "package_name_suffix":
			directives = append(directives, bundle.PackageNameSuffix{Suffix: spec.Suffix})
		case "registry_replacements":
			directives = append(directives, bundle.RegistryReplacements{Replacements: spec.Replacements})
		case "image_name_from_labels":
			directives = append(directives, bundle.ImageNameFromLabels{
				Template:    spec.Template,
				BundleImage: bundleImage,
				Resolver:    m.registry,
			})
		case "enclose_repo":
			directives = append(directives, bundle.EncloseRepo{Glue: spec.Glue, Namespace: spec.Namespace})
		default:
			return nil, errors.Fatalf("organization %s has an unknown customization type %s", org, spec.Type)
		}
	}
	return directives, nil
}

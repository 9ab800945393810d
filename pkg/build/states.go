package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/superfly/fsm"

	"github.com/indexforge/indexforge/pkg/bundle"
	"github.com/indexforge/indexforge/pkg/errors"
)

// maxRelatedDepth bounds the recursive related-bundles walk.
const maxRelatedDepth = 15

// handlePrepare resolves and validates every input image.
func (m *Machine) handlePrepare(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_prepare", "request_id", req.Msg.RequestID, "type", req.Msg.Type)

	resp := req.W.Msg
	if resp == nil {
		resp = &BuildResponse{}
	}
	if err := m.prepare(ctx, req.Msg, resp); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handleGate runs the gating checks. Gate always precedes any registry
// mutation: nothing has been built or pushed when it rejects.
func (m *Machine) handleGate(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_gate", "request_id", req.Msg.RequestID, "lane", req.Msg.Lane)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.gate(ctx, req.Msg, resp); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handleCustomize applies the organization's customization pipeline to
// the bundle being regenerated. A no-op for every other request type.
func (m *Machine) handleCustomize(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_customize", "request_id", req.Msg.RequestID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.customize(ctx, req.Msg, resp); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handleIndex builds the local index image or walks related bundles.
func (m *Machine) handleIndex(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_index", "request_id", req.Msg.RequestID, "type", req.Msg.Type)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.index(ctx, req.Msg, resp); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handlePush publishes the built image and records its reference.
func (m *Machine) handlePush(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_push", "request_id", req.Msg.RequestID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.push(ctx, req.Msg, resp); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the FSM run as finished. The terminal database
// transition belongs to the orchestrator, not the state machine.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &BuildResponse{}
	}
	resp.Status = StateComplete

	slog.Info("fsm_complete",
		"request_id", req.Msg.RequestID, "type", req.Msg.Type, "index_image", resp.IndexImage)
	return fsm.NewResponse(resp), nil
}

// progress records human-readable progress on the request history.
func (m *Machine) progress(requestID int64, reason string) {
	if m.repo == nil {
		return
	}
	if err := m.repo.AppendState(requestID, reason); err != nil {
		slog.Warn("request_progress_not_recorded", "request_id", requestID, "error", err)
	}
}

// fromIndexFor returns the index the request builds on top of, if any.
func fromIndexFor(breq *BuildRequest) string {
	switch breq.Type {
	case TypeMergeIndex:
		return breq.Payload.SourceFromIndex
	case TypeAddBundle, TypeRemoveOperator, TypeRegenerateIndex, TypeCreateEmptyIndex:
		return breq.Payload.FromIndex
	default:
		return ""
	}
}

func needsBinaryImage(reqType string) bool {
	switch reqType {
	case TypeAddBundle, TypeRemoveOperator, TypeRegenerateIndex, TypeMergeIndex, TypeCreateEmptyIndex:
		return true
	default:
		return false
	}
}

// prepare resolves every input image to digest form, derives the
// effective distribution scope and binary image, and verifies the
// required labels on input bundles. Nothing is mutated yet.
func (m *Machine) prepare(ctx context.Context, breq *BuildRequest, resp *BuildResponse) error {
	p := breq.Payload
	m.progress(breq.RequestID, "resolving the container images")

	indexScope := ""
	indexVersion := defaultIndexVersion
	if from := fromIndexFor(breq); from != "" {
		resolved, err := m.registry.ResolveDigest(ctx, from)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to resolve the index %s", from))
		}
		resp.FromIndexResolved = resolved

		labels, err := m.registry.ImageLabels(ctx, resolved)
		if err != nil {
			return err
		}
		if v := labels[versionLabel]; v != "" {
			indexVersion = v
		}
		indexScope = labels[distributionScopeLabel]

		arches, err := m.registry.ImageArches(ctx, resolved)
		if err != nil {
			return err
		}
		resp.Arches = arches
	}
	resp.DistributionScope = resolveScope(p.DistributionScope, indexScope)

	if breq.Type == TypeMergeIndex {
		resolved, err := m.registry.ResolveDigest(ctx, p.TargetIndex)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to resolve the target index %s", p.TargetIndex))
		}
		resp.TargetIndexResolved = resolved

		arches, err := m.registry.ImageArches(ctx, resolved)
		if err != nil {
			return err
		}
		resp.Arches = unionArches(resp.Arches, arches)
	}

	if needsBinaryImage(breq.Type) {
		resp.BinaryImage = p.BinaryImage
		if resp.BinaryImage == "" {
			resp.BinaryImage = m.opts.BinaryImages[resp.DistributionScope][indexVersion]
		}
		if resp.BinaryImage == "" {
			return errors.Fatalf("no binary image is configured for version %s with distribution scope %s",
				indexVersion, resp.DistributionScope)
		}
	}

	for _, ref := range p.Bundles {
		resolved, err := m.registry.ResolveDigest(ctx, ref)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to resolve the bundle %s", ref))
		}
		labels, err := m.registry.ImageLabels(ctx, resolved)
		if err != nil {
			return err
		}
		if err := m.verifyLabels(ref, labels); err != nil {
			return err
		}
		resp.ResolvedBundles = append(resp.ResolvedBundles, resolved)
	}

	if p.BundleImage != "" {
		labels, err := m.registry.ImageLabels(ctx, p.BundleImage)
		if err != nil {
			return err
		}
		if err := m.verifyLabels(p.BundleImage, labels); err != nil {
			return err
		}
	}

	slog.Info("prepare_complete",
		"request_id", breq.RequestID,
		"distribution_scope", resp.DistributionScope,
		"binary_image", resp.BinaryImage,
		"resolved_bundles", len(resp.ResolvedBundles))
	return nil
}

// verifyLabels checks the configured required labels against an input
// bundle. A mismatch is fatal to the request.
func (m *Machine) verifyLabels(ref string, labels map[string]string) error {
	var bad []string
	for key, want := range m.opts.RequiredLabels {
		if labels[key] != want {
			bad = append(bad, key)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return errors.Fatalf("the bundle %s is missing or mismatching the required label(s) %s",
		ref, strings.Join(bad, ", "))
}

func unionArches(a, b []string) []string {
	seen := map[string]bool{}
	var union []string
	for _, arch := range append(append([]string{}, a...), b...) {
		if arch == "" || seen[arch] {
			continue
		}
		seen[arch] = true
		union = append(union, arch)
	}
	sort.Strings(union)
	return union
}

// gate runs the lane's gating checks against every subject bundle. An
// unreachable or unconfigured gating service on a gated lane fails the
// request; it is never treated as a pass.
func (m *Machine) gate(ctx context.Context, breq *BuildRequest, resp *BuildResponse) error {
	policy := m.opts.LanePolicies[breq.Lane]
	if !policy.Gated {
		slog.Debug("gating_not_required", "request_id", breq.RequestID, "lane", breq.Lane)
		return nil
	}
	if m.gater == nil {
		return errors.Fatalf("the lane %s requires gating but no gating service is configured", breq.Lane)
	}

	m.progress(breq.RequestID, "running gating checks")

	subjects := resp.ResolvedBundles
	if len(subjects) == 0 && breq.Payload.BundleImage != "" {
		subjects = []string{breq.Payload.BundleImage}
	}
	for _, subject := range subjects {
		if err := m.gater.Require(ctx, subject, policy.PolicyParams); err != nil {
			return err
		}
	}
	return nil
}

// customize regenerates the bundle: pin image references, then apply
// the organization's directives in their configured order, then build
// the new bundle image locally.
func (m *Machine) customize(ctx context.Context, breq *BuildRequest, resp *BuildResponse) error {
	if breq.Type != TypeRegenerateBundle {
		return nil
	}
	p := breq.Payload
	m.progress(breq.RequestID, "regenerating the operator bundle")

	set, err := m.loader.Load(ctx, p.BundleImage)
	if err != nil {
		return err
	}

	labels, err := m.registry.ImageLabels(ctx, p.BundleImage)
	if err != nil {
		return err
	}
	for key, value := range labels {
		if _, ok := set.Labels[key]; !ok {
			set.Labels[key] = value
		}
	}
	if set.PackageName == "" {
		set.PackageName = set.Labels[bundle.PackageLabel]
	}

	org := p.Organization
	if org == "" {
		org = breq.Organization
	}
	directives, err := m.directivesFor(org, p.BundleImage)
	if err != nil {
		return err
	}
	if err := bundle.NewPipeline(m.registry, directives).Run(ctx, set); err != nil {
		return err
	}

	localRef := fmt.Sprintf("localhost/indexforge/bundle:%d", breq.RequestID)
	if err := m.loader.Save(ctx, set, localRef); err != nil {
		return err
	}

	resp.LocalIndexRef = localRef
	resp.PackageName = set.PackageName
	resp.TargetImageName = set.TargetImageName
	return nil
}

// index builds the local index image for the index-mutating request
// types, or walks related bundles for the recursive type.
func (m *Machine) index(ctx context.Context, breq *BuildRequest, resp *BuildResponse) error {
	p := breq.Payload

	switch breq.Type {
	case TypeRegenerateBundle:
		return nil
	case TypeRecursiveRelatedBundles:
		m.progress(breq.RequestID, "walking the related bundles")
		related, err := m.relatedBundles(ctx, p.BundleImage)
		if err != nil {
			return err
		}
		resp.RelatedBundles = related
		return nil
	}

	m.progress(breq.RequestID, "building the index image")
	localRef := fmt.Sprintf("localhost/indexforge/index:%d", breq.RequestID)

	var err error
	switch breq.Type {
	case TypeAddBundle:
		err = m.opm(ctx, "index", "add",
			"--bundles", strings.Join(resp.ResolvedBundles, ","),
			"--from-index", resp.FromIndexResolved,
			"--binary-image", resp.BinaryImage,
			"--tag", localRef)

	case TypeRemoveOperator:
		err = m.opm(ctx, "index", "rm",
			"--operators", strings.Join(p.Operators, ","),
			"--from-index", resp.FromIndexResolved,
			"--binary-image", resp.BinaryImage,
			"--tag", localRef)

	case TypeRegenerateIndex:
		var bundles []string
		bundles, err = m.indexBundles(ctx, resp.FromIndexResolved)
		if err != nil {
			return err
		}
		if len(bundles) == 0 {
			return errors.Fatalf("the index %s serves no bundles to regenerate from", resp.FromIndexResolved)
		}
		err = m.opm(ctx, "index", "add",
			"--bundles", strings.Join(bundles, ","),
			"--binary-image", resp.BinaryImage,
			"--tag", localRef)

	case TypeMergeIndex:
		var bundles []string
		bundles, err = m.indexBundles(ctx, resp.FromIndexResolved)
		if err != nil {
			return err
		}
		kept, excluded := filterDeprecated(bundles, p.DeprecationList)
		if excluded > 0 {
			m.progress(breq.RequestID,
				fmt.Sprintf("excluding %d deprecated bundle(s) from the merge", excluded))
		}
		if len(kept) == 0 {
			return errors.Fatalf("every bundle of %s is deprecated, nothing to merge", resp.FromIndexResolved)
		}
		err = m.opm(ctx, "index", "add",
			"--bundles", strings.Join(kept, ","),
			"--from-index", resp.TargetIndexResolved,
			"--binary-image", resp.BinaryImage,
			"--tag", localRef)

	case TypeCreateEmptyIndex:
		var packages []string
		packages, err = m.indexPackages(ctx, resp.FromIndexResolved)
		if err != nil {
			return err
		}
		if len(packages) == 0 {
			// Already empty: reuse the source index under the local tag.
			if err := m.registry.Pull(ctx, resp.FromIndexResolved); err != nil {
				return err
			}
			err = m.registry.Tag(ctx, resp.FromIndexResolved, localRef)
		} else {
			err = m.opm(ctx, "index", "rm",
				"--operators", strings.Join(packages, ","),
				"--from-index", resp.FromIndexResolved,
				"--binary-image", resp.BinaryImage,
				"--tag", localRef)
		}
	}
	if err != nil {
		return err
	}

	if err := m.verifyIndex(ctx, localRef); err != nil {
		return err
	}
	resp.LocalIndexRef = localRef
	return nil
}

// opm runs one index tooling command under the configured timeout.
// Index builds are not retried; the retry budget lives on the registry
// operations feeding them.
func (m *Machine) opm(ctx context.Context, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	slog.Info("opm_run", "args", strings.Join(args, " "))
	if _, err := m.runner(cmdCtx, "opm", args...); err != nil {
		return errors.Wrap(err, "the index build command failed")
	}
	return nil
}

type bundleEntry struct {
	CsvName     string `json:"csvName"`
	PackageName string `json:"packageName"`
	BundlePath  string `json:"bundlePath"`
}

type packageEntry struct {
	Name string `json:"name"`
}

// indexBundles lists the bundle pull specifications an index serves,
// via a temporary index-service subprocess.
func (m *Machine) indexBundles(ctx context.Context, indexImage string) ([]string, error) {
	handle, err := m.indexes.Acquire(ctx, indexImage)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	out, err := handle.ListBundles(ctx)
	if err != nil {
		return nil, err
	}

	var paths []string
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var entry bundleEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to parse the bundle list of %s", indexImage))
		}
		if entry.BundlePath != "" {
			paths = append(paths, entry.BundlePath)
		}
	}
	return paths, nil
}

// indexPackages lists the package names an index serves.
func (m *Machine) indexPackages(ctx context.Context, indexImage string) ([]string, error) {
	handle, err := m.indexes.Acquire(ctx, indexImage)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	out, err := handle.ListPackages(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var entry packageEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to parse the package list of %s", indexImage))
		}
		if entry.Name != "" {
			names = append(names, entry.Name)
		}
	}
	return names, nil
}

// filterDeprecated drops bundles named on the deprecation list,
// matching on the full pull specification or on the digest alone.
func filterDeprecated(bundles, deprecationList []string) (kept []string, excluded int) {
	deprecated := map[string]bool{}
	for _, entry := range deprecationList {
		deprecated[entry] = true
		if i := strings.Index(entry, "@"); i >= 0 {
			deprecated[entry[i+1:]] = true
		}
	}

	for _, ref := range bundles {
		digest := ""
		if i := strings.Index(ref, "@"); i >= 0 {
			digest = ref[i+1:]
		}
		if deprecated[ref] || (digest != "" && deprecated[digest]) {
			excluded++
			continue
		}
		kept = append(kept, ref)
	}
	return kept, excluded
}

// verifyIndex serves the freshly built index and confirms it answers a
// package listing before it is allowed to be pushed.
func (m *Machine) verifyIndex(ctx context.Context, indexRef string) error {
	handle, err := m.indexes.Acquire(ctx, indexRef)
	if err != nil {
		return err
	}
	defer handle.Release()

	if _, err := handle.ListPackages(ctx); err != nil {
		return errors.Wrap(err, fmt.Sprintf("the built index %s failed verification", indexRef))
	}
	return nil
}

// relatedBundles walks spec.relatedImages breadth first, recursing into
// images that are themselves operator bundles. The walk is bounded so a
// reference cycle or a pathological graph cannot run away.
func (m *Machine) relatedBundles(ctx context.Context, root string) ([]string, error) {
	visited := map[string]bool{root: true}
	queue := []string{root}
	var related []string

	for depth := 0; depth < maxRelatedDepth && len(queue) > 0; depth++ {
		var next []string
		for _, ref := range queue {
			set, err := m.loader.Load(ctx, ref)
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("failed to read the bundle %s", ref))
			}
			for _, image := range set.RelatedImages() {
				if visited[image] {
					continue
				}
				visited[image] = true
				related = append(related, image)

				labels, err := m.registry.ImageLabels(ctx, image)
				if err != nil {
					// Plain runtime images are leaves; an uninspectable one
					// cannot be a bundle, so the walk continues past it.
					slog.Warn("related_image_not_inspectable", "image", image, "error", err)
					continue
				}
				if labels[bundle.PackageLabel] != "" {
					next = append(next, image)
				}
			}
		}
		queue = next
	}
	return related, nil
}

// push publishes the locally built image to the output registry and
// records the reference on the request row.
func (m *Machine) push(ctx context.Context, breq *BuildRequest, resp *BuildResponse) error {
	if breq.Type == TypeRecursiveRelatedBundles {
		return nil
	}
	if resp.LocalIndexRef == "" {
		return errors.Fatalf("no local image was built for request %d", breq.RequestID)
	}

	m.progress(breq.RequestID, "pushing the built image")

	target := pushTarget(breq, resp)
	if err := m.registry.Push(ctx, resp.LocalIndexRef, target); err != nil {
		return err
	}
	resp.IndexImage = target

	if m.repo != nil {
		if err := m.repo.SetIndexImage(breq.RequestID, target); err != nil {
			return errors.Wrap(err, "failed to record the built image reference")
		}
	}
	return nil
}

// pushTarget derives the destination pull specification. The tag
// defaults to the request id so concurrent builds never collide.
func pushTarget(breq *BuildRequest, resp *BuildResponse) string {
	p := breq.Payload
	tag := p.Tag
	if tag == "" {
		tag = fmt.Sprintf("%d", breq.RequestID)
	}

	name := "index"
	if breq.Type == TypeRegenerateBundle {
		name = "bundle"
		if resp.TargetImageName != "" {
			name = resp.TargetImageName
		}
	}
	return fmt.Sprintf("%s/%s:%s", p.OutputRegistry, name, tag)
}

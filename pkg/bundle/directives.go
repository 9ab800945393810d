package bundle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/indexforge/indexforge/pkg/errors"
)

// packageNameToken is the single template token recognized in
// csv_annotations values.
const packageNameToken = "{package_name}"

// LabelResolver looks up the labels of the bundle image being
// processed. Satisfied by the registry executor.
type LabelResolver interface {
	ImageLabels(ctx context.Context, pullSpec string) (map[string]string, error)
}

// Directive is one ordered customization step. Each directive is a
// total transformation over the manifest set; its output feeds the next
// directive.
type Directive interface {
	Name() string
	Apply(ctx context.Context, set *ManifestSet) error
}

// CSVAnnotations sets the configured annotations on every
// ClusterServiceVersion, substituting the package name token into each
// value. Existing annotations of the same key are overwritten.
type CSVAnnotations struct {
	Annotations map[string]string
}

func (d CSVAnnotations) Name() string { return "csv_annotations" }

func (d CSVAnnotations) Apply(ctx context.Context, set *ManifestSet) error {
	for _, csv := range set.CSVs() {
		annotations := metadataAnnotations(csv)
		for key, value := range d.Annotations {
			annotations[key] = strings.ReplaceAll(value, packageNameToken, set.PackageName)
		}
	}
	return nil
}

// PackageNameSuffix appends a suffix to the package name wherever it is
// referenced structurally: the set's package name, the bundle
// annotations document, and CSV package annotations.
type PackageNameSuffix struct {
	Suffix string
}

func (d PackageNameSuffix) Name() string { return "package_name_suffix" }

func (d PackageNameSuffix) Apply(ctx context.Context, set *ManifestSet) error {
	if set.PackageName == "" {
		return errors.Fatalf("cannot apply package name suffix: bundle has no package name")
	}
	if strings.HasSuffix(set.PackageName, d.Suffix) {
		return nil
	}
	suffixed := set.PackageName + d.Suffix

	if annotations := set.annotationsDoc(); annotations != nil {
		annotations[PackageLabel] = suffixed
	}
	for _, csv := range set.CSVs() {
		annotations := metadataAnnotations(csv)
		if _, ok := annotations[PackageLabel]; ok {
			annotations[PackageLabel] = suffixed
		}
	}
	for _, doc := range set.Docs {
		if _, ok := doc["packageName"]; ok {
			doc["packageName"] = suffixed
		}
	}

	set.PackageName = suffixed
	set.Labels[PackageLabel] = suffixed
	return nil
}

// RegistryReplacements rewrites pull specifications in CSV manifests
// whose registry host exactly matches a configured key. Non-matching
// registries pass through unchanged.
type RegistryReplacements struct {
	Replacements map[string]string
}

func (d RegistryReplacements) Name() string { return "registry_replacements" }

func (d RegistryReplacements) Apply(ctx context.Context, set *ManifestSet) error {
	for _, csv := range set.CSVs() {
		rewriteImages(csv, func(pullSpec string) string {
			registry := registryOf(pullSpec)
			if registry == "" {
				return pullSpec
			}
			replacement, ok := d.Replacements[registry]
			if !ok {
				return pullSpec
			}
			return replacement + strings.TrimPrefix(pullSpec, registry)
		})
	}
	return nil
}

var labelToken = regexp.MustCompile(`\{([^{}]+)\}`)

// ImageNameFromLabels derives the regenerated bundle's image name from
// a template over the bundle image's labels. A referenced label that is
// absent fails the pipeline.
type ImageNameFromLabels struct {
	Template string

	// BundleImage is the pull specification of the bundle being
	// processed; labels are resolved against it.
	BundleImage string
	Resolver    LabelResolver
}

func (d ImageNameFromLabels) Name() string { return "image_name_from_labels" }

func (d ImageNameFromLabels) Apply(ctx context.Context, set *ManifestSet) error {
	if d.Resolver == nil {
		return errors.Fatalf("image_name_from_labels requires a label resolver")
	}
	labels, err := d.Resolver.ImageLabels(ctx, d.BundleImage)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to get labels of %s", d.BundleImage))
	}

	var missing []string
	name := labelToken.ReplaceAllStringFunc(d.Template, func(token string) string {
		label := strings.Trim(token, "{}")
		value, ok := labels[label]
		if !ok {
			missing = append(missing, label)
			return token
		}
		return value
	})
	if len(missing) > 0 {
		return errors.Fatalf("the bundle %s is missing the label(s) %s referenced by the image name template",
			d.BundleImage, strings.Join(missing, ", "))
	}

	set.TargetImageName = name
	return nil
}

// EncloseRepo relocates pull specifications under a single namespace,
// replacing every path separator in the repository portion with the
// glue string. Used to flatten nested repository paths while keeping
// the result unique.
type EncloseRepo struct {
	Glue      string
	Namespace string
}

func (d EncloseRepo) Name() string { return "enclose_repo" }

func (d EncloseRepo) Apply(ctx context.Context, set *ManifestSet) error {
	for _, csv := range set.CSVs() {
		rewriteImages(csv, func(pullSpec string) string {
			registry := registryOf(pullSpec)
			if registry == "" {
				return pullSpec
			}
			repo, ref := splitReference(strings.TrimPrefix(pullSpec, registry+"/"))
			flattened := strings.ReplaceAll(repo, "/", d.Glue)
			return fmt.Sprintf("%s/%s/%s%s", registry, d.Namespace, flattened, ref)
		})
	}
	return nil
}

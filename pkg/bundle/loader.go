package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/indexforge/indexforge/pkg/errors"
	"github.com/indexforge/indexforge/pkg/registry"
)

// ImageLoader reads manifest sets out of bundle images and builds new
// bundle images from transformed sets. Extraction goes through a
// throwaway container so no image needs to be unpacked by hand.
type ImageLoader struct {
	Runner  registry.CommandRunner
	WorkDir string
}

// Load pulls the bundle's /manifests and /metadata trees out of the
// image and parses them into a manifest set.
func (l *ImageLoader) Load(ctx context.Context, bundleImage string) (*ManifestSet, error) {
	runner := l.runner()

	out, err := runner(ctx, "podman", "create", bundleImage)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to create a container for %s", bundleImage))
	}
	containerID := strings.TrimSpace(out)
	defer runner(ctx, "podman", "rm", containerID)

	dir, err := os.MkdirTemp(l.WorkDir, "bundle-extract-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create extraction dir")
	}
	defer os.RemoveAll(dir)

	if _, err := runner(ctx, "podman", "cp", containerID+":/manifests", dir); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to extract manifests from %s", bundleImage))
	}
	// metadata/annotations.yaml is optional on older bundles.
	runner(ctx, "podman", "cp", containerID+":/metadata", dir)

	raw, err := readManifestFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.Fatalf("the bundle %s contains no manifest documents", bundleImage)
	}
	return Parse(raw)
}

// Save writes the manifest set back into bundle-image layout and builds
// a local image tagged targetRef. Labels on the set become image labels
// so downstream consumers see the package and pinned markers.
func (l *ImageLoader) Save(ctx context.Context, set *ManifestSet, targetRef string) error {
	dir, err := os.MkdirTemp(l.WorkDir, "bundle-build-")
	if err != nil {
		return errors.Wrap(err, "failed to create build dir")
	}
	defer os.RemoveAll(dir)

	for _, sub := range []string{"manifests", "metadata"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return errors.Wrap(err, "failed to create bundle layout")
		}
	}

	rendered, err := set.Render()
	if err != nil {
		return err
	}
	manifestIdx := 0
	for i, doc := range set.Docs {
		name := filepath.Join(dir, "metadata", "annotations.yaml")
		if _, hasKind := doc["kind"]; hasKind {
			manifestIdx++
			name = filepath.Join(dir, "manifests", fmt.Sprintf("manifest-%02d.yaml", manifestIdx))
		}
		if err := os.WriteFile(name, rendered[i], 0644); err != nil {
			return errors.Wrap(err, "failed to write manifest file")
		}
	}

	containerfile := filepath.Join(dir, "Containerfile")
	if err := os.WriteFile(containerfile, []byte(containerfileFor(set)), 0644); err != nil {
		return errors.Wrap(err, "failed to write Containerfile")
	}

	if _, err := l.runner()(ctx, "podman", "build", "-t", targetRef, "-f", containerfile, dir); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to build the bundle image %s", targetRef))
	}
	return nil
}

func (l *ImageLoader) runner() registry.CommandRunner {
	if l.Runner != nil {
		return l.Runner
	}
	return registry.ExecRunner
}

func containerfileFor(set *ManifestSet) string {
	var b strings.Builder
	b.WriteString("FROM scratch\n")
	b.WriteString("COPY manifests /manifests\n")
	b.WriteString("COPY metadata /metadata\n")

	keys := make([]string, 0, len(set.Labels))
	for key := range set.Labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "LABEL %q=%q\n", key, set.Labels[key])
	}
	return b.String()
}

func readManifestFiles(dir string) ([][]byte, error) {
	var raw [][]byte
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		raw = append(raw, data)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read extracted manifests")
	}
	return raw, nil
}

package harness

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/flanksource/commons/logger"
	"github.com/samber/lo"

	"github.com/flanksource/postgres-backups/pkg/docker"
)

// ImageResolver builds one image per PostgreSQL version, or reuses an image a
// previous run left behind.
type ImageResolver struct {
	runtime  docker.Runtime
	registry *Registry
	// ContextDir is the build context sent to the daemon.
	ContextDir string
	// Dockerfile returns the Dockerfile for a version, relative to ContextDir.
	Dockerfile func(version string) string
	// Output receives the build log.
	Output io.Writer

	mu       sync.Mutex
	resolved map[string]*docker.ImageRef
}

// NewImageResolver builds from contextDir, with dockerfile mapping a version
// to its Dockerfile path inside it.
func NewImageResolver(runtime docker.Runtime, registry *Registry, contextDir string, dockerfile func(string) string) *ImageResolver {
	return &ImageResolver{
		runtime:    runtime,
		registry:   registry,
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		resolved:   map[string]*docker.ImageRef{},
	}
}

// Resolve returns the image for version, building it only when no image
// tagged for that version exists. Build errors are returned as is; there is
// no retry.
func (r *ImageResolver) Resolve(ctx context.Context, version string) (*docker.ImageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.resolved[version]; ok {
		return ref, nil
	}

	images, err := r.runtime.ListImages(ctx)
	if err != nil {
		return nil, err
	}

	for _, img := range images {
		if tag, ok := r.registry.MatchVersion(img.Tags, version); ok {
			ref := newImageRef(version, img, tag)
			logger.Debugf("Reusing image %s (%s) for PostgreSQL %s", tag, ref.ShortID(), version)
			r.resolved[version] = ref
			return ref, nil
		}
	}

	ref, err := r.build(ctx, version)
	if err != nil {
		return nil, err
	}
	r.resolved[version] = ref
	return ref, nil
}

func (r *ImageResolver) build(ctx context.Context, version string) (*docker.ImageRef, error) {
	tag := r.registry.ImageTag(version)
	id, err := r.runtime.Build(ctx, docker.BuildOptions{
		ContextDir: r.ContextDir,
		Dockerfile: r.Dockerfile(version),
		Tags:       []string{tag},
		Output:     r.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build image for PostgreSQL %s: %w", version, err)
	}

	img, err := r.runtime.InspectImage(ctx, id)
	if err != nil {
		return nil, err
	}

	matched, _ := r.registry.MatchVersion(img.Tags, version)
	logger.Infof("Built %s (%s)", tag, docker.ImageRef{ID: img.ID}.ShortID())
	return newImageRef(version, img, lo.CoalesceOrEmpty(matched, tag+":latest")), nil
}

// Owned lists every image carrying the registry prefix, built by this process or not.
func (r *ImageResolver) Owned(ctx context.Context) ([]docker.ImageRef, error) {
	images, err := r.runtime.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	owned := lo.Filter(images, func(img docker.ImageSummary, _ int) bool {
		return r.registry.OwnsImage(img.Tags)
	})
	return lo.Map(owned, func(img docker.ImageSummary, _ int) docker.ImageRef {
		return docker.ImageRef{ID: img.ID, Tags: img.Tags}
	}), nil
}

// Forget drops memoised results, e.g. after the images were swept.
func (r *ImageResolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = map[string]*docker.ImageRef{}
}

// newImageRef puts the matched tag first: the container name is derived from Tags[0].
func newImageRef(version string, img docker.ImageSummary, matched string) *docker.ImageRef {
	tags := append([]string{matched}, lo.Without(img.Tags, matched)...)
	return &docker.ImageRef{Version: version, ID: img.ID, Tags: tags}
}

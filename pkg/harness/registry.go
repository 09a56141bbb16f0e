package harness

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// DefaultMarker is shared by every image tag and container name the harness
// creates, and is the only key cleanup uses to find them.
const DefaultMarker = "test_postgres"

// Registry names harness-owned resources in the process-wide image store and
// container namespace. With a RunID the names are partitioned per run, so two
// runs against one daemon never adopt or sweep each other's resources.
type Registry struct {
	Marker string
	RunID  string
}

// NewRegistry falls back to DefaultMarker and draws a RunID when isolate is set.
func NewRegistry(marker string, isolate bool) *Registry {
	r := &Registry{Marker: lo.CoalesceOrEmpty(marker, DefaultMarker)}
	if isolate {
		r.RunID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return r
}

// Prefix is Marker, or Marker_RunID for an isolated run.
func (r *Registry) Prefix() string {
	if r.RunID == "" {
		return r.Marker
	}
	return r.Marker + "_" + r.RunID
}

// ImageTag is the repository name for version, e.g. test_postgres_14.
func (r *Registry) ImageTag(version string) string {
	return r.Prefix() + "_" + version
}

// MatchVersion returns the tag that marks an image as built for version. The
// trailing ":" keeps test_postgres_1 from matching test_postgres_14.
func (r *Registry) MatchVersion(tags []string, version string) (string, bool) {
	prefix := r.ImageTag(version) + ":"
	return lo.Find(tags, func(tag string) bool {
		return strings.HasPrefix(tag, prefix)
	})
}

// OwnsImage reports whether any tag starts with the prefix.
func (r *Registry) OwnsImage(tags []string) bool {
	return lo.SomeBy(tags, func(tag string) bool {
		return strings.HasPrefix(tag, r.Prefix()) && !r.otherRun(tag)
	})
}

// OwnsContainer reports whether the container name contains the prefix.
func (r *Registry) OwnsContainer(name string) bool {
	name = strings.TrimPrefix(name, "/")
	return strings.Contains(name, r.Prefix()) && !r.otherRun(name)
}

// otherRun is true when a shared run looks at a name carrying a run id, e.g.
// test_postgres_1a2b3c4d_14. Isolated prefixes already exclude those.
func (r *Registry) otherRun(name string) bool {
	if r.RunID != "" {
		return false
	}
	return regexp.MustCompile(regexp.QuoteMeta(r.Marker) + `_[0-9a-f]{8}_`).MatchString(name)
}

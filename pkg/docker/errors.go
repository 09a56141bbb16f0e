package docker

import (
	"errors"

	cerrdefs "github.com/containerd/errdefs"
)

// ErrNotFound is returned by runtimes for missing images and containers.
var ErrNotFound = cerrdefs.ErrNotFound

// IsNotFound reports whether err means the target no longer exists, whichever
// runtime produced it.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || cerrdefs.IsNotFound(err))
}

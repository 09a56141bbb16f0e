package docker

import "context"

// Runtime is the subset of the container engine control API the harness uses.
// Client talks to a Docker daemon; fake.Runtime keeps everything in memory.
type Runtime interface {
	Ping(ctx context.Context) error

	// Build builds an image and returns its ID.
	Build(ctx context.Context, opts BuildOptions) (string, error)
	ListImages(ctx context.Context) ([]ImageSummary, error)
	InspectImage(ctx context.Context, ref string) (ImageSummary, error)
	RemoveImage(ctx context.Context, id string, force bool) error

	ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error)
	// Run creates and starts a container. With Detach unset it also waits
	// for the container to exit.
	Run(ctx context.Context, image string, cfg RunConfig) (*ContainerHandle, error)
	Exec(ctx context.Context, id string, cmd ...string) (CommandResult, error)
	Logs(ctx context.Context, id string) (string, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error

	Close() error
}

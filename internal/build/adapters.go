package build

import "context"

// BuildEnvironmentPreparer provisions and cleans up the build environment.
type BuildEnvironmentPreparer interface {
	Prepare(ctx context.Context, buildContext BuildContext) (BuildEnvironment, error)
}

type BuildEnvironment interface {
	Cleanup(ctx context.Context) error
}

// BuildDriver provisions the image inside a prepared environment.
type BuildDriver interface {
	Build(ctx context.Context, buildContext BuildContext, environment BuildEnvironment) (BuildOutput, error)
}

// Backend pairs a preparer with the driver that understands its environment.
type Backend struct {
	Preparer BuildEnvironmentPreparer
	Driver   BuildDriver
}

package instances

import "context"

// LoadSpec carries one compiled function version to a runtime instance.
type LoadSpec struct {
	FunctionName string
	Version      int
	ArtifactID   string
	Hash         string
	Bundle       []byte
}

// Runtime is the control interface of the execution environment that
// serves an application's functions. The docker and kubernetes
// adapters implement it.
type Runtime interface {
	// Provision starts the application's instance and returns its
	// reachable address.
	Provision(ctx context.Context, appID string) (string, error)
	// LoadFunction pushes one compiled function to a running instance.
	LoadFunction(ctx context.Context, addr string, spec LoadSpec) error
	// Unload removes a function binding from a running instance.
	Unload(ctx context.Context, addr, functionName string) error
	// HealthCheck probes a running instance.
	HealthCheck(ctx context.Context, addr string) error
	// Terminate tears the application's instance down.
	Terminate(ctx context.Context, appID string) error
}

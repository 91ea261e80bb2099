package runtime

import (
	"context"
	"errors"
)

// ErrNotFound indicates the referenced container does not exist.
var ErrNotFound = errors.New("runtime: container not found")

// Spec describes a container to create and start.
type Spec struct {
	Name        string
	Image       string
	Env         []string
	Port        int
	VolumeName  string
	VolumePath  string
	MemoryMB    int
	CPUPercent  int
	DropAllCaps bool
	Labels      map[string]string
}

// ContainerState summarizes a listed container.
type ContainerState struct {
	Ref     string
	Name    string
	Running bool
	Env     []string
	Labels  map[string]string
}

// Client is the narrow command surface the core depends on. Production binds
// against the Docker SDK; tests substitute a fake.
type Client interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Exec(ctx context.Context, ref string, argv []string) (string, error)
	CopyInto(ctx context.Context, ref, localPath, remotePath string) error
	Stop(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string) error
	TailLogs(ctx context.Context, ref string, n int) (string, error)
	List(ctx context.Context, namePrefix string) ([]ContainerState, error)
	Signal(ctx context.Context, ref, sig string) error
}

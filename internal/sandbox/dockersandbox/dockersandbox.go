// Package dockersandbox implements sandbox.Adapter by running one CLI
// invocation inside a short-lived container, grounded on the teacher's
// Docker Engine adapter (internal/ruriko/runtime/docker) — reworked from a
// persistent, labeled, Spawn/Stop/Start/Restart/Status/List/Remove agent
// container into a single create-start-wait-collect-remove cycle per call.
// Selected when a roster entry sets sandbox: docker.
package dockersandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/tzeusy/butlers/internal/sandbox"
)

const (
	labelManagedBy = "butlers.managed-by"
	managedByValue = "butlerd"

	defaultNetwork = "butlers-sandbox"

	// removeTimeout bounds how long ContainerRemove waits for a lingering
	// process before force-killing it.
	removeTimeout = 10 * time.Second

	// workdir is where spec.Dir is bind-mounted inside the container; the
	// MCP config file the runtime package writes lands here.
	workdir = "/workspace"
)

// Adapter runs one ProcessSpec per call inside a fresh container built from
// image, on a dedicated bridge network it creates on first use.
type Adapter struct {
	client  *dockerclient.Client
	network string
	image   string

	netOnce sync.Once
	netErr  error
}

// New returns a dockersandbox.Adapter for image, using the Docker Engine
// reached via DOCKER_HOST or the default socket.
func New(image string) (*Adapter, error) {
	return NewWithNetwork(image, defaultNetwork)
}

// NewWithNetwork is New with an explicit bridge network name.
func NewWithNetwork(image, networkName string) (*Adapter, error) {
	if image == "" {
		return nil, fmt.Errorf("dockersandbox: image must not be empty")
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("dockersandbox: docker client: %w", err)
	}
	return &Adapter{client: cli, network: networkName, image: image}, nil
}

// EnsureNetwork creates the adapter's bridge network if it doesn't already
// exist. Run lazily invokes this once per Adapter instance.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("dockersandbox: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("dockersandbox: create network %q: %w", a.network, err)
	}
	return nil
}

// Run implements sandbox.Adapter: create a container from the adapter's
// image, start it, wait for it to exit, collect its logs, and remove it —
// every invocation gets a disposable container, never a reused one.
func (a *Adapter) Run(ctx context.Context, spec sandbox.ProcessSpec) ([]byte, []byte, error) {
	a.netOnce.Do(func() { a.netErr = a.EnsureNetwork(ctx) })
	if a.netErr != nil {
		return nil, nil, a.netErr
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cmd := append([]string{spec.BinaryPath}, spec.Args...)
	if spec.Stdin != "" {
		// The container never has an attached stdin stream; a fed prompt is
		// written alongside the mounted workdir and piped in via a shell.
		stdinPath := workdir + "/stdin.txt"
		quoted := make([]string, 0, len(cmd))
		for _, c := range cmd {
			quoted = append(quoted, shellQuote(c))
		}
		cmd = []string{"sh", "-c", fmt.Sprintf("%s < %s", joinArgs(quoted), stdinPath)}
		if err := writeStdinFile(spec.Dir, spec.Stdin); err != nil {
			return nil, nil, fmt.Errorf("dockersandbox: stage stdin: %w", err)
		}
	}

	containerCfg := &container.Config{
		Image:      a.image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: workdir,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false, // removed explicitly below, after logs are read
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: workdir,
		}},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{a.network: {}},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, "")
	if err != nil {
		return nil, nil, fmt.Errorf("dockersandbox: create container: %w", err)
	}
	defer a.remove(resp.ID)

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, nil, fmt.Errorf("dockersandbox: start container: %w", err)
	}

	waitCh, errCh := a.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, nil, fmt.Errorf("dockersandbox: wait container: %w", err)
		}
	case res := <-waitCh:
		exitCode = res.StatusCode
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	logs, err := a.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("dockersandbox: fetch logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, nil, fmt.Errorf("dockersandbox: demux logs: %w", err)
	}

	if exitCode != 0 {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("dockersandbox: container exited with code %d", exitCode)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (a *Adapter) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	_ = a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

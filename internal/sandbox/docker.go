package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSpawner runs the agent CLI inside an ephemeral container, bind
// mounting the session's working directory. Selected by AGENT_SANDBOX=docker.
type DockerSpawner struct {
	Client      *client.Client
	Image       string
	MemoryMB    int64
	NetworkMode string
}

// NewDockerSpawner builds a spawner against the local Docker daemon with the
// given defaults; image/memory/network mirror SANDBOX_IMAGE,
// SANDBOX_MEMORY_MB, SANDBOX_NETWORK.
func NewDockerSpawner(image string, memoryMB int64, networkMode string) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB == 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerSpawner{Client: cli, Image: image, MemoryMB: memoryMB, NetworkMode: networkMode}, nil
}

type dockerProc struct {
	cli         *client.Client
	containerID string
	stdoutR     *io.PipeReader
	stderrR     *io.PipeReader
	stdin       io.WriteCloser
	statusCh    <-chan container.WaitResponse
	errCh       <-chan error
}

// Spawn creates and starts a container running command+args in workingDir
// (bind-mounted at /workspace), returning a handle whose Stdout/Stderr are
// demultiplexed from the container's attached stream.
func (s *DockerSpawner) Spawn(ctx context.Context, command string, args []string, workingDir string, env []string) (Proc, error) {
	shellCmd := strings.Join(append([]string{command}, args...), " ")

	resp, err := s.Client.ContainerCreate(ctx, &container.Config{
		Image:      s.Image,
		Cmd:        []string{"sh", "-c", shellCmd},
		WorkingDir: "/workspace",
		Env:        env,
		OpenStdin:  true,
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: s.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(s.NetworkMode),
		Binds:       []string{workingDir + ":/workspace"},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := s.Client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := s.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	statusCh, errCh := s.Client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	return &dockerProc{
		cli:         s.Client,
		containerID: resp.ID,
		stdoutR:     stdoutR,
		stderrR:     stderrR,
		stdin:       attach.Conn,
		statusCh:    statusCh,
		errCh:       errCh,
	}, nil
}

func (p *dockerProc) Stdout() io.Reader { return p.stdoutR }
func (p *dockerProc) Stderr() io.Reader { return p.stderrR }
func (p *dockerProc) Stdin() io.Writer  { return p.stdin }

func (p *dockerProc) Wait() (int, error) {
	select {
	case status := <-p.statusCh:
		return int(status.StatusCode), nil
	case err := <-p.errCh:
		return -1, err
	}
}

func (p *dockerProc) Signal() error {
	return p.cli.ContainerStop(context.Background(), p.containerID, container.StopOptions{
		Timeout: intPtr(10),
	})
}

func (p *dockerProc) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.cli.ContainerKill(ctx, p.containerID, "SIGKILL")
}

func intPtr(n int) *int { return &n }

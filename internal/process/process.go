// Package process implements the Container Process Manager: it builds and
// runs externally provided container images under strict, non-negotiable
// resource constraints, exposing web UIs through host-port mapping from a
// bounded range. Grounded on agents/shared/docker/client.go (the Client
// wrapper around the Docker SDK — NewClient with API-version negotiation,
// CreateContainer/StartContainer/RemoveContainer/Logs with stdcopy
// demultiplexing, HostPortFor) and agents/shared/docker/dyad.go (building
// container.Config/HostConfig/NetworkingConfig with mounts, env, and
// labels). The Kernel narrows the dyad actor/critic pair down to one
// per-app container and adds the hard resource ceiling spec.md requires,
// which the teacher's dyad containers do not set.
package process

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"llmos/kernel/internal/analyzer"
	"llmos/kernel/internal/capability"
	"llmos/kernel/internal/kernelerr"
)

// Hard resource ceiling, per spec.md §4.5. Not configurable.
const (
	memoryLimitBytes = 512 * 1024 * 1024
	nanoCPUs         = 1_000_000_000
	pidsLimit        = 64
	tmpfsSizeBytes   = 64 * 1024 * 1024
	ulimitSoft       = 1024
	ulimitHard       = 2048
)

const (
	wallClockTimeout = 30 * time.Minute
	healthPollDelay  = 3 * time.Second
	stopGracePeriod  = 5 * time.Second
)

// State is a managed container's lifecycle state.
type State string

const (
	StateBuilding State = "building"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// ProcessInfo describes one managed container.
type ProcessInfo struct {
	AppID       string
	ContainerID string
	Image       string
	State       State
	HostPort    int
	LaunchedAt  time.Time
}

// Config configures one Launch call.
type Config struct {
	ContainerPort int
	DataRoot      string
	Caps          map[capability.Cap]bool
	AnthropicKey  string
}

// Manager manages the lifetime of per-app containers.
type Manager struct {
	cli *client.Client

	portStart   int
	portEnd     int
	maxProcs    int
	networkName string

	mu        sync.Mutex
	procs     map[string]*ProcessInfo
	usedPorts map[int]bool
	timers    map[string]*time.Timer
}

// New builds a Manager using a Docker client from the ambient environment
// (DOCKER_HOST, or the default local socket).
func New(portStart, portEnd, maxProcs int, networkName string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "create docker client", err)
	}
	return &Manager{
		cli:         cli,
		portStart:   portStart,
		portEnd:     portEnd,
		maxProcs:    maxProcs,
		networkName: networkName,
		procs:       make(map[string]*ProcessInfo),
		usedPorts:   make(map[int]bool),
		timers:      make(map[string]*time.Timer),
	}, nil
}

// allocatePort returns the first free port in [portStart, portEnd].
func (m *Manager) allocatePort() (int, error) {
	for p := m.portStart; p <= m.portEnd; p++ {
		if !m.usedPorts[p] {
			m.usedPorts[p] = true
			return p, nil
		}
	}
	return 0, kernelerr.New(kernelerr.ResourceExhausted, "no free ports in configured range")
}

func (m *Manager) freePort(port int) {
	delete(m.usedPorts, port)
}

// BuildImage analyzes recipe against the container-recipe rule set and, if
// it passes, builds a Docker image tagged for appID. contextFiles are
// additional build-context file contents keyed by relative path.
func (m *Manager) BuildImage(ctx context.Context, appID, recipe string, contextFiles map[string][]byte) (string, error) {
	result := analyzer.AnalyzeContainerRecipe(recipe)
	if !result.Passed {
		return "", kernelerr.New(kernelerr.AnalysisBlocked, fmt.Sprintf("container recipe blocked: %d critical findings", result.CriticalCount))
	}

	tarBuf, err := buildContext(recipe, contextFiles)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "build docker context", err)
	}

	imageName := "llmos-app-" + appID
	resp, err := m.cli.ImageBuild(ctx, tarBuf, types.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "docker image build", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "read docker build output", err)
	}
	return imageName, nil
}

// Launch creates and starts a container for appID under the hard resource
// ceiling, capability-gated network/volume/API-key access.
func (m *Manager) Launch(ctx context.Context, appID, image string, cfg Config) (*ProcessInfo, error) {
	m.mu.Lock()
	if _, exists := m.procs[appID]; exists {
		m.mu.Unlock()
		return nil, kernelerr.New(kernelerr.Conflict, fmt.Sprintf("app %q already launched", appID))
	}
	if len(m.procs) >= m.maxProcs {
		m.mu.Unlock()
		return nil, kernelerr.New(kernelerr.ResourceExhausted, "max containers reached")
	}
	port, err := m.allocatePort()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	info := &ProcessInfo{AppID: appID, Image: image, State: StateBuilding, HostPort: port, LaunchedAt: time.Now().UTC()}
	m.mu.Lock()
	m.procs[appID] = info
	m.mu.Unlock()

	containerPort := cfg.ContainerPort
	if containerPort == 0 {
		containerPort = 8080
	}
	portKey := nat.Port(fmt.Sprintf("%d/tcp", containerPort))

	env := []string{}
	if cfg.Caps[capability.CapAnthropicAPI] && cfg.AnthropicKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.AnthropicKey)
	}

	containerCfg := &container.Config{
		Image:        image,
		Env:          env,
		Labels:       map[string]string{"llmos.appId": appID},
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		User:         "nobody",
	}

	networkMode := container.NetworkMode("none")
	if cfg.Caps[capability.CapNetwork] {
		networkMode = container.NetworkMode(m.networkName)
	}

	var mounts []mount.Mount
	if cfg.Caps[capability.CapVolume] && cfg.DataRoot != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cfg.DataRoot,
			Target: "/data",
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode:  networkMode,
		Mounts:       mounts,
		PortBindings: nat.PortMap{portKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}}},
		Resources: container.Resources{
			Memory:     memoryLimitBytes,
			MemorySwap: memoryLimitBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  ptrInt64(pidsLimit),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: ulimitSoft, Hard: ulimitHard},
			},
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%d", tmpfsSizeBytes),
		},
	}

	var netCfg *network.NetworkingConfig
	if cfg.Caps[capability.CapNetwork] {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				m.networkName: {},
			},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, "llmos-"+appID)
	if err != nil {
		m.fail(appID, port)
		return nil, kernelerr.Wrap(kernelerr.Internal, "create container", err)
	}
	info.ContainerID = resp.ID
	info.State = StateStarting

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.fail(appID, port)
		return nil, kernelerr.Wrap(kernelerr.Internal, "start container", err)
	}

	m.armWallClockTimeout(appID)
	go m.pollHealth(appID)

	return info, nil
}

func ptrInt64(v int64) *int64 { return &v }

func (m *Manager) fail(appID string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.procs[appID]; ok {
		info.State = StateFailed
	}
	m.freePort(port)
}

func (m *Manager) pollHealth(appID string) {
	time.Sleep(healthPollDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.procs[appID]
	if !ok || info.State != StateStarting {
		return
	}
	inspect, err := m.cli.ContainerInspect(context.Background(), info.ContainerID)
	if err != nil || !inspect.State.Running {
		info.State = StateFailed
		return
	}
	info.State = StateRunning
}

func (m *Manager) armWallClockTimeout(appID string) {
	timer := time.AfterFunc(wallClockTimeout, func() {
		_ = m.Stop(context.Background(), appID)
	})
	m.mu.Lock()
	m.timers[appID] = timer
	m.mu.Unlock()
}

// Stop gracefully stops and removes appID's container, freeing its port.
func (m *Manager) Stop(ctx context.Context, appID string) error {
	m.mu.Lock()
	info, ok := m.procs[appID]
	if !ok {
		m.mu.Unlock()
		return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("app %q not running", appID))
	}
	if timer, ok := m.timers[appID]; ok {
		timer.Stop()
		delete(m.timers, appID)
	}
	m.mu.Unlock()

	grace := int(stopGracePeriod.Seconds())
	if err := m.cli.ContainerStop(ctx, info.ContainerID, container.StopOptions{Timeout: &grace}); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "stop container", err)
	}
	if err := m.cli.ContainerRemove(ctx, info.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "remove container", err)
	}

	m.mu.Lock()
	info.State = StateStopped
	m.freePort(info.HostPort)
	delete(m.procs, appID)
	m.mu.Unlock()
	return nil
}

// StopAll stops every managed container.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	appIDs := make([]string, 0, len(m.procs))
	for id := range m.procs {
		appIDs = append(appIDs, id)
	}
	m.mu.Unlock()
	for _, id := range appIDs {
		_ = m.Stop(ctx, id)
	}
}

// HealthCheck reports whether appID's container is currently running.
func (m *Manager) HealthCheck(ctx context.Context, appID string) (bool, error) {
	m.mu.Lock()
	info, ok := m.procs[appID]
	m.mu.Unlock()
	if !ok {
		return false, kernelerr.New(kernelerr.NotFound, fmt.Sprintf("app %q not running", appID))
	}
	inspect, err := m.cli.ContainerInspect(ctx, info.ContainerID)
	if err != nil {
		return false, kernelerr.Wrap(kernelerr.Internal, "inspect container", err)
	}
	return inspect.State.Running, nil
}

// GetLogs returns the last `tail` lines of appID's container logs, with the
// Docker multiplexed stream frame headers stripped.
func (m *Manager) GetLogs(ctx context.Context, appID string, tail int) (string, error) {
	m.mu.Lock()
	info, ok := m.procs[appID]
	m.mu.Unlock()
	if !ok {
		return "", kernelerr.New(kernelerr.NotFound, fmt.Sprintf("app %q not running", appID))
	}

	tailStr := ""
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}
	reader, err := m.cli.ContainerLogs(ctx, info.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	})
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "read container logs", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		_, _ = io.Copy(&buf, reader)
	}
	return buf.String(), nil
}

// List returns every currently managed process.
func (m *Manager) List() []*ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ProcessInfo, 0, len(m.procs))
	for _, info := range m.procs {
		out = append(out, info)
	}
	return out
}

// Close releases the underlying Docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// buildContext packages recipe as a Dockerfile plus any additional context
// files into an in-memory tar stream suitable for ImageBuild.
func buildContext(recipe string, files map[string][]byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeTarFile(tw, "Dockerfile", []byte(recipe)); err != nil {
		return nil, err
	}
	for name, content := range files {
		if strings.Contains(name, "..") {
			continue
		}
		if err := writeTarFile(tw, name, content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

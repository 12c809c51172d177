// Package vmorch is the per-task microVM orchestrator: it allocates unique
// host resources for a task, boots a Firecracker microVM, hands it off to
// the guest agent over vsock, waits for the framed JSON result, and
// guarantees teardown on every exit path.
package vmorch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
)

const maxCIDRetries = 3

// Config configures every VM an Orchestrator boots.
type Config struct {
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	VsockPort      uint32
	VCPUs          int
	MemMB          int

	HandshakeTimeout time.Duration
	ResultTimeout    time.Duration

	LogDir string // directory for per-task vm_{id}.log files
}

// Result is the outcome of a Run call: either a success report or a
// structured error classification, matching the host-observable shape the
// worker publishes as a terminal event.
type Result struct {
	Status string `json:"status"`
	Report any    `json:"report,omitempty"`
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Orchestrator boots one microVM per Run call. It is safe for concurrent use
// across many simultaneous tasks.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	fcLog  *logrus.Entry
}

// New creates an Orchestrator. fcLog receives firecracker-go-sdk's internal
// diagnostics (see config.NewFirecrackerLogger).
func New(cfg Config, logger *slog.Logger, fcLog *logrus.Entry) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logger, fcLog: fcLog}
}

// Run boots a VM for taskID, sends payload to the guest agent, and waits for
// its framed JSON result. depsImagePath is empty when the task has no
// dependency manifest. Every exit path -- success, error, or panic recovery
// in the caller -- leaves no trace of the VM's sockets or process.
func (o *Orchestrator) Run(ctx context.Context, taskID string, payload []byte, depsImagePath string, logSink func(string)) (Result, error) {
	start := time.Now()

	var n naming
	var machine *fcsdk.Machine
	var salt uint32
	var err error

	for attempt := 0; attempt < maxCIDRetries; attempt++ {
		n = deriveNaming(taskID, salt, o.cfg.LogDir)
		machine, err = o.boot(ctx, n, depsImagePath)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConfig) {
			break
		}
		// A CID collision surfaces as a vsock PUT rejection; retry with a
		// perturbed derivation rather than failing the whole task.
		salt++
	}

	cleanup := func() {
		cleanupStart := time.Now()
		o.cleanup(taskID, n, machine)
		cleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	}

	if err != nil {
		cleanup()
		tasksTotal.WithLabelValues("error").Inc()
		return classify(err), err
	}
	defer cleanup()

	vmBootDuration.Observe(time.Since(start).Seconds())
	activeVMs.Inc()
	defer activeVMs.Dec()

	logSink(fmt.Sprintf("VM booted in %s", time.Since(start)))

	handshakeCtx, cancel := context.WithTimeout(ctx, o.cfg.HandshakeTimeout)
	defer cancel()
	gc, err := DialGuest(handshakeCtx, n.VsockUDSPath, o.cfg.VsockPort, o.cfg.HandshakeTimeout)
	if err != nil {
		tasksTotal.WithLabelValues("error").Inc()
		return classify(err), err
	}
	defer gc.Close()

	if err := gc.SendPayload(payload); err != nil {
		tasksTotal.WithLabelValues("error").Inc()
		return classify(err), err
	}

	workloadStart := time.Now()
	var result Result
	err = gc.ReadResult(&result, o.cfg.ResultTimeout)
	workloadDuration.Observe(time.Since(workloadStart).Seconds())
	if err != nil {
		tasksTotal.WithLabelValues("error").Inc()
		return classify(err), err
	}

	tasksTotal.WithLabelValues(result.Status).Inc()
	return result, nil
}

// boot spawns the hypervisor and drives the configuration PUT sequence
// through to InstanceStart. The returned machine handle is needed by
// cleanup even when boot itself fails partway, so boot always attempts to
// track whatever process it spawned.
func (o *Orchestrator) boot(ctx context.Context, n naming, depsImagePath string) (*fcsdk.Machine, error) {
	os.Remove(n.APISocketPath)
	os.Remove(n.VsockUDSPath)

	logFile, err := os.Create(n.LogPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create vm log: %v", ErrBoot, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, o.cfg.FirecrackerBin, "--api-sock", n.APISocketPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn hypervisor: %v", ErrBoot, err)
	}

	if err := waitForAPISocket(ctx, n.APISocketPath, cmd.Process); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	client := newAPIClient(n.APISocketPath)
	defer client.close()

	if err := o.configure(ctx, client, n, depsImagePath); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	// The machine handle is used only for lifecycle management (Shutdown,
	// StopVMM, Wait) -- boot configuration already happened over the raw PUT
	// sequence above. Config mirrors what was just PUT so the SDK's own
	// bookkeeping stays consistent with what the hypervisor was actually told.
	vcpus := int64(o.cfg.VCPUs)
	if vcpus <= 0 {
		vcpus = 1
	}
	memMB := int64(o.cfg.MemMB)
	if memMB <= 0 {
		memMB = 512
	}
	fcCfg := fcsdk.Config{
		SocketPath:      n.APISocketPath,
		KernelImagePath: o.cfg.KernelPath,
		KernelArgs:      fmt.Sprintf(defaultBootArgsFmt, agentInitPath),
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(o.cfg.RootfsPath),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(true),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: n.VsockUDSPath, CID: n.GuestCID},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		VMID: n.LogPath,
	}

	machine, err := fcsdk.NewMachine(ctx, fcCfg, fcsdk.WithLogger(o.fcLog), fcsdk.WithProcessRunner(cmd))
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("%w: attach process handle: %v", ErrBoot, err)
	}

	return machine, nil
}

// configure issues the boot-sequence PUT calls in the order spec.md §4.2
// requires: machine-config, boot-source, root drive, optional deps drive,
// vsock, then the start action. No network-interface PUT is issued: the
// guest has no network device.
func (o *Orchestrator) configure(ctx context.Context, client *apiClient, n naming, depsImagePath string) error {
	vcpus := o.cfg.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	memMB := o.cfg.MemMB
	if memMB <= 0 {
		memMB = 512
	}

	if err := client.put(ctx, "/machine-config", machineConfig{
		VCPUCount:  vcpus,
		MemSizeMiB: memMB,
		Smt:        false,
	}); err != nil {
		return err
	}

	bootArgs := fmt.Sprintf(defaultBootArgsFmt, agentInitPath)
	if err := client.put(ctx, "/boot-source", bootSource{
		KernelImagePath: o.cfg.KernelPath,
		BootArgs:        bootArgs,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/drives/"+rootfsDriveID, drive{
		DriveID:      rootfsDriveID,
		PathOnHost:   o.cfg.RootfsPath,
		IsRootDevice: true,
		IsReadOnly:   true,
	}); err != nil {
		return err
	}

	if depsImagePath != "" {
		if err := client.put(ctx, "/drives/"+depsDriveID, drive{
			DriveID:      depsDriveID,
			PathOnHost:   depsImagePath,
			IsRootDevice: false,
			IsReadOnly:   true,
		}); err != nil {
			return err
		}
	}

	if err := client.put(ctx, "/vsock", vsockConfig{
		GuestCID: n.GuestCID,
		UDSPath:  n.VsockUDSPath,
	}); err != nil {
		return err
	}

	return client.put(ctx, "/actions", action{ActionType: "InstanceStart"})
}

// cleanup tears down a VM instance: close handled by caller's defer on
// GuestConn, here we stop the hypervisor and remove every file the boot
// sequence created. Idempotent and exception-safe -- a second call against
// the same naming tuple is a no-op because every step tolerates "already
// gone".
func (o *Orchestrator) cleanup(taskID string, n naming, machine *fcsdk.Machine) {
	if machine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownGrace)
		if err := machine.Shutdown(shutdownCtx); err != nil {
			if stopErr := machine.StopVMM(); stopErr != nil {
				o.logger.Debug("stop vmm failed", "task_id", taskID, "error", stopErr)
			}
		}
		cancel()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownGrace)
		machine.Wait(waitCtx)
		waitCancel()
	}

	for _, p := range []string{n.APISocketPath, n.VsockUDSPath, n.LogPath} {
		if p != "" {
			os.Remove(p)
		}
	}
}

// classify maps an orchestrator error into the {status:"error", type,
// message} shape spec.md §4.2 requires from Run.
func classify(err error) Result {
	kind := "InternalError"
	switch {
	case errors.Is(err, ErrBoot):
		kind = "BootError"
	case errors.Is(err, ErrConfig):
		kind = "ConfigError"
	case errors.Is(err, ErrConnection):
		kind = "ConnectionError"
	case errors.Is(err, ErrProtocol):
		kind = "ProtocolError"
	case errors.Is(err, ErrJSON):
		kind = "JSONError"
	case errors.Is(err, ErrTimeout):
		kind = "Timeout"
	}
	return Result{Status: "error", Type: kind, Error: err.Error()}
}

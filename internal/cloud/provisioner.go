package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/farpath/farpath-agent/internal/config"
	"github.com/farpath/farpath-agent/internal/metrics"
	"github.com/farpath/farpath-agent/internal/notify"
)

// DropletName is the fixed name every provisioned proxy node gets. One
// node per provider account; a second install races at the provider.
const DropletName = "farpath-proxy-node"

// deployShare is the slice of the progress bar owned by VM creation;
// the installer's own 0..100 is rescaled into the remainder.
const deployShare = 25

type Op string

const (
	OpInstall  Op = "INSTALL"
	OpDestroy  Op = "DESTROY"
	OpReboot   Op = "REBOOT"
	OpHasOAuth Op = "HAS_OAUTH"
)

type Stage string

const (
	StageNotStarted     Stage = "NOT_STARTED"
	StageCreatingServer Stage = "CREATING_SERVER"
	StageInstalling     Stage = "INSTALLING"
	StageRegistering    Stage = "REGISTERING"
	StageDone           Stage = "DONE"
	StageFailed         Stage = "FAILED"
)

// Job is the externally visible record of one provisioning operation.
// Progress never decreases until a terminal stage.
type Job struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Op        Op        `json:"op"`
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Status    string    `json:"status,omitempty"`
	Err       string    `json:"error,omitempty"`
	HasOAuth  *bool     `json:"has_oauth,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sessions is the slice of the session manager the provisioner needs:
// a guaranteed cloud-admin login and the invitation-acceptance path
// for registering the freshly installed node.
type Sessions interface {
	EnsureCloudSession(ctx context.Context) (network, userID string, err error)
	AcceptCloudInvite(ctx context.Context, network string, payload map[string]string, adminOriginated bool) error
}

type Provisioner struct {
	modules   *Modules
	installer Installer
	sessions  Sessions
	bus       *notify.Bus
	metrics   *metrics.Registry
	logger    *slog.Logger

	sshUser    string
	sshPort    int
	sshKeyFile string

	readyPollInterval time.Duration
	readyTimeout      time.Duration
}

func NewProvisioner(cfg config.CloudConfig, modules *Modules, installer Installer, sessions Sessions, bus *notify.Bus, reg *metrics.Registry, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		modules:           modules,
		installer:         installer,
		sessions:          sessions,
		bus:               bus,
		metrics:           reg,
		logger:            logger,
		sshUser:           cfg.SSHUser,
		sshPort:           cfg.SSHPort,
		sshKeyFile:        cfg.SSHKeyFile,
		readyPollInterval: 5 * time.Second,
		readyTimeout:      3 * time.Minute,
	}
}

// Run executes one provisioning operation to completion. A fresh
// provider handle is acquired per operation and released exactly once,
// whether the operation succeeds, fails, or panics; a failed
// acquisition fails the operation with nothing to release.
func (p *Provisioner) Run(ctx context.Context, providerName string, op Op, region string) (Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Provider:  providerName,
		Op:        op,
		Stage:     StageNotStarted,
		StartedAt: now,
		UpdatedAt: now,
	}
	p.metrics.IncCloudJob()
	p.logger.Info("cloud_job_started",
		slog.String("job_id", job.ID),
		slog.String("provider", providerName),
		slog.String("op", string(op)))

	err := p.dispatch(ctx, job, providerName, op, region)
	if err != nil {
		p.fail(job, err)
		return *job, err
	}
	p.advance(job, StageDone, 100)
	p.bus.Publish(notify.KindCloudStatus, *job)
	p.logger.Info("cloud_job_done", slog.String("job_id", job.ID), slog.String("op", string(op)))
	return *job, nil
}

func (p *Provisioner) dispatch(ctx context.Context, job *Job, providerName string, op Op, region string) error {
	switch op {
	case OpInstall:
		if region == "" {
			return fmt.Errorf("%w: install requires a region", ErrUnsupportedOperation)
		}
		return p.withProvider(providerName, func(provider VMProvider) error {
			return p.install(ctx, provider, job, region)
		})
	case OpDestroy:
		return p.withProvider(providerName, func(provider VMProvider) error {
			return provider.Stop(ctx, DropletName)
		})
	case OpReboot:
		return p.withProvider(providerName, func(provider VMProvider) error {
			return provider.Reboot(ctx, DropletName)
		})
	case OpHasOAuth:
		return p.withProvider(providerName, func(provider VMProvider) error {
			has, err := provider.HasOAuth(ctx)
			if err != nil {
				return err
			}
			job.HasOAuth = &has
			return nil
		})
	default:
		return fmt.Errorf("%w: operation %q", ErrUnsupportedOperation, op)
	}
}

func (p *Provisioner) withProvider(name string, fn func(VMProvider) error) error {
	provider, release, err := p.modules.Acquire(name)
	if err != nil {
		return err
	}
	defer release()
	return fn(provider)
}

func (p *Provisioner) install(ctx context.Context, provider VMProvider, job *Job, region string) error {
	network, _, err := p.sessions.EnsureCloudSession(ctx)
	if err != nil {
		return fmt.Errorf("cloud-admin login: %w", err)
	}

	p.advance(job, StageCreatingServer, 0)
	vm, err := provider.Start(ctx, DropletName, region)
	if err != nil {
		return remapProviderError(err)
	}
	p.logger.Info("cloud_server_created",
		slog.String("job_id", job.ID),
		slog.String("vm_id", vm.ID),
		slog.String("public_ip", vm.PublicIP))

	p.advance(job, StageInstalling, deployShare/2)
	if err := p.waitReachable(ctx, vm); err != nil {
		return err
	}
	p.advance(job, StageInstalling, deployShare)

	invite, err := p.runInstaller(ctx, job, vm)
	if err != nil {
		return err
	}

	p.advance(job, StageRegistering, job.Progress)
	if err := p.sessions.AcceptCloudInvite(ctx, network, invite, true); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

func (p *Provisioner) runInstaller(ctx context.Context, job *Job, vm VM) (map[string]string, error) {
	key, err := os.ReadFile(p.sshKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	events, err := p.installer.Install(ctx, InstallTarget{
		Host:   vm.PublicIP,
		Port:   p.sshPort,
		User:   p.sshUser,
		KeyPEM: key,
	})
	if err != nil {
		return nil, err
	}

	var invite map[string]string
	for ev := range events {
		switch ev.Kind {
		case InstallStatus:
			p.statusUpdate(job, ev.Status)
		case InstallProgress:
			p.advance(job, StageInstalling, deployShare+ev.Progress*(100-deployShare)/100)
		case InstallDone:
			invite = ev.Invite
		case InstallError:
			return nil, fmt.Errorf("installer: %w", ev.Err)
		}
	}
	if invite == nil {
		return nil, errors.New("installer finished without a registration payload")
	}
	return invite, nil
}

// waitReachable polls the node's SSH port until it accepts or the
// readiness window closes.
func (p *Provisioner) waitReachable(ctx context.Context, vm VM) error {
	addr := net.JoinHostPort(vm.PublicIP, strconv.Itoa(p.sshPort))
	deadline := time.Now().Add(p.readyTimeout)
	for {
		d := net.Dialer{Timeout: p.readyPollInterval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not become reachable", ErrTimeout, addr)
		}
		timer := time.NewTimer(p.readyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Provisioner) advance(job *Job, stage Stage, progress int) {
	job.Stage = stage
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = time.Now().UTC()
	p.bus.Publish(notify.KindCloudProgress, *job)
	p.logger.Debug("cloud_job_progress",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.Int("progress", job.Progress))
}

func (p *Provisioner) statusUpdate(job *Job, status string) {
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	p.bus.Publish(notify.KindCloudStatus, *job)
	p.logger.Info("cloud_install_status", slog.String("job_id", job.ID), slog.String("status", status))
}

func (p *Provisioner) fail(job *Job, err error) {
	job.Stage = StageFailed
	job.Err = err.Error()
	job.UpdatedAt = time.Now().UTC()
	p.metrics.IncCloudFailure()
	p.bus.Publish(notify.KindCloudStatus, *job)
	p.logger.Warn("cloud_job_failed",
		slog.String("job_id", job.ID),
		slog.String("op", string(job.Op)),
		slog.String("error", err.Error()))
}

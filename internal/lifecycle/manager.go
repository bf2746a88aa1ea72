package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/proc"
	"github.com/tolvanen/warden/pkg/models"
)

// Sentinel errors for spawn and termination outcomes.
var (
	// ErrSpawnTimeout indicates a worker never signalled ready in time.
	ErrSpawnTimeout = errors.New("worker did not signal ready before timeout")
	// ErrSpawnExited indicates the process exited before signalling ready.
	ErrSpawnExited = errors.New("worker exited before signalling ready")
	// ErrUnknownInstance indicates the instance ID is not registered.
	ErrUnknownInstance = errors.New("unknown instance")
)

// ExitEvent reports a process exit to the coordinating loop.
type ExitEvent struct {
	// InstanceID is the exited instance.
	InstanceID string
	// Descriptor is the instance's static configuration.
	Descriptor models.WorkerDescriptor
	// Code is the process exit code.
	Code int
	// LostTasks are task IDs that were in flight when the process exited.
	LostTasks []string
	// At is when the exit was observed.
	At time.Time
}

// ManagerConfig holds tunables for the lifecycle manager.
type ManagerConfig struct {
	// ReadyTimeout bounds the wait for a worker's ready signal.
	ReadyTimeout time.Duration
	// GracePeriod bounds the wait for voluntary exit after shutdown.
	GracePeriod time.Duration
	// Logf receives debug lines; may be nil.
	Logf func(format string, args ...interface{})
}

// Manager spawns, tracks, and tears down worker instances. Exits are
// delivered on a single channel the coordinating loop selects over;
// ownership cleanup for pools and replacement policy live with the
// consumers of that channel.
type Manager struct {
	spawner      proc.Spawner
	reg          *Registry
	readyTimeout time.Duration
	gracePeriod  time.Duration
	logf         func(format string, args ...interface{})
	exits        chan ExitEvent
}

// NewManager creates a Manager using the given spawner and registry.
func NewManager(spawner proc.Spawner, reg *Registry, cfg ManagerConfig) *Manager {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	return &Manager{
		spawner:      spawner,
		reg:          reg,
		readyTimeout: cfg.ReadyTimeout,
		gracePeriod:  cfg.GracePeriod,
		logf:         cfg.Logf,
		exits:        make(chan ExitEvent, 64),
	}
}

// Exits returns the channel of observed process exits.
func (m *Manager) Exits() <-chan ExitEvent {
	return m.exits
}

// Registry returns the instance registry the manager writes to.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Spawn starts a worker process for the descriptor and waits (bounded)
// for its ready signal. On success the instance is registered and its
// exit is watched; on failure the process is killed and discarded.
func (m *Manager) Spawn(ctx context.Context, desc models.WorkerDescriptor, extraEnv map[string]string) (*Instance, error) {
	id := models.ShortID()

	env := map[string]string{
		"WARDEN_INSTANCE_ID":  id,
		"WARDEN_WORKER":       desc.Name,
		"WARDEN_CAPABILITIES": strings.Join(desc.Capabilities, ","),
	}
	for k, v := range extraEnv {
		env[k] = v
	}

	handle, err := m.spawner.Start(ctx, proc.Spec{
		Command: desc.Command,
		Args:    desc.Args,
		Env:     env,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", desc.Name, err)
	}

	conn := message.NewConn(id, handle.Stdin(), handle.Stdout(), m.logf)
	inst := newInstance(id, desc, handle, conn)
	m.logf("[lifecycle] spawned %s instance %s (pid %d)", desc.Name, id, handle.Pid())

	if err := m.awaitReady(ctx, inst); err != nil {
		_ = handle.Kill()
		inst.MarkTerminated()
		return nil, fmt.Errorf("spawn %s instance %s: %w", desc.Name, id, err)
	}

	if err := inst.MarkReady(); err != nil {
		_ = handle.Kill()
		return nil, err
	}
	m.reg.Add(inst)
	go m.watchExit(inst)

	m.logf("[lifecycle] instance %s ready", id)
	return inst, nil
}

// awaitReady consumes the instance inbox until a ready record arrives.
// Records before ready are unexpected and dropped with a log line.
func (m *Manager) awaitReady(ctx context.Context, inst *Instance) error {
	timer := time.NewTimer(m.readyTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-inst.Conn().Inbox():
			if !ok {
				return ErrSpawnExited
			}
			if msg.Kind == message.KindReady {
				return nil
			}
			m.logf("[lifecycle] instance %s sent %s before ready, ignoring", inst.ID, msg.Kind)
		case <-inst.Handle().Done():
			return ErrSpawnExited
		case <-timer.C:
			return ErrSpawnTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchExit blocks on the process handle and converts its exit into an
// ExitEvent after removing the instance from the registry.
func (m *Manager) watchExit(inst *Instance) {
	<-inst.Handle().Done()
	status := inst.Handle().ExitStatus()

	lost := inst.TaskIDs()
	inst.MarkTerminated()
	m.reg.Remove(inst.ID)

	m.logf("[lifecycle] instance %s exited with code %d (%d tasks in flight)", inst.ID, status.Code, len(lost))

	m.exits <- ExitEvent{
		InstanceID: inst.ID,
		Descriptor: inst.Descriptor,
		Code:       status.Code,
		LostTasks:  lost,
		At:         time.Now(),
	}
}

// Terminate ends an instance. Graceful termination sends shutdown and
// waits up to the grace period for voluntary exit before killing;
// forced termination kills immediately. The returned bool reports
// whether a forced kill was needed.
func (m *Manager) Terminate(ctx context.Context, id string, graceful bool) (forced bool, err error) {
	inst := m.reg.Get(id)
	if inst == nil {
		return false, fmt.Errorf("terminate %s: %w", id, ErrUnknownInstance)
	}

	inst.BeginDraining()

	if !graceful {
		m.logf("[lifecycle] killing instance %s", id)
		return true, inst.Handle().Kill()
	}

	if sendErr := inst.Conn().Send(message.Message{Kind: message.KindShutdown}); sendErr != nil {
		m.logf("[lifecycle] shutdown send to %s failed: %v, killing", id, sendErr)
		return true, inst.Handle().Kill()
	}

	timer := time.NewTimer(m.gracePeriod)
	defer timer.Stop()

	select {
	case <-inst.Handle().Done():
		return false, nil
	case <-timer.C:
		m.logf("[lifecycle] instance %s did not exit within grace period, killing", id)
		return true, inst.Handle().Kill()
	case <-ctx.Done():
		return true, inst.Handle().Kill()
	}
}

// TerminateAll gracefully terminates every live instance and reports
// how many required a forced kill.
func (m *Manager) TerminateAll(ctx context.Context) (forcedCount int) {
	for _, inst := range m.reg.All() {
		forced, err := m.Terminate(ctx, inst.ID, true)
		if err != nil && !errors.Is(err, ErrUnknownInstance) {
			m.logf("[lifecycle] terminate %s: %v", inst.ID, err)
		}
		if forced {
			forcedCount++
		}
	}
	return forcedCount
}

package pwsh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dlmdiag/internal/domain"
	"dlmdiag/internal/metrics"
)

// Config drives the session bootstrap. Zero durations select the defaults in DefaultConfig.
type Config struct {
	Shell             string
	Args              []string
	Principal         string
	Organization      string
	Modules           []string
	TokenScope        string
	ComplianceCmdlets []string

	ReadyTimeout    time.Duration
	PrimeTimeout    time.Duration
	ImportTimeout   time.Duration
	TokenTimeout    time.Duration
	ConnectTimeout  time.Duration
	VariableTimeout time.Duration
	CommandTimeout  time.Duration
	ResyncTimeout   time.Duration
	ShutdownGrace   time.Duration
	MaxOutputBytes  int
}

func DefaultConfig() Config {
	return Config{
		Shell:           "pwsh",
		Args:            []string{"-NoExit", "-NoProfile", "-Command", "-"},
		Modules:         []string{"ExchangeOnlineManagement"},
		TokenScope:      DefaultTokenScope,
		ReadyTimeout:    30 * time.Second,
		PrimeTimeout:    5 * time.Second,
		ImportTimeout:   30 * time.Second,
		TokenTimeout:    defaultTokenTimeout,
		ConnectTimeout:  120 * time.Second,
		VariableTimeout: 5 * time.Second,
		CommandTimeout:  defaultCommandTimeout,
		ResyncTimeout:   defaultResyncTimeout,
		ShutdownGrace:   2 * time.Second,
		MaxOutputBytes:  defaultMaxOutputBytes,
	}
}

// Manager owns the one persistent shell process: it bootstraps it, hands
// commands to its Channel, and tears it down. Nothing else writes to the
// process.
type Manager struct {
	cfg    Config
	spawn  Spawner
	tokens TokenAcquirer
	logger *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	proc      Process
	ch        *Channel
	exited    chan struct{}
	startedAt time.Time
}

func NewManager(cfg Config, spawn Spawner, tokens TokenAcquirer, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if len(cfg.Args) == 0 {
		cfg.Args = def.Args
	}
	if cfg.TokenScope == "" {
		cfg.TokenScope = def.TokenScope
	}
	setDefault(&cfg.ReadyTimeout, def.ReadyTimeout)
	setDefault(&cfg.PrimeTimeout, def.PrimeTimeout)
	setDefault(&cfg.ImportTimeout, def.ImportTimeout)
	setDefault(&cfg.TokenTimeout, def.TokenTimeout)
	setDefault(&cfg.ConnectTimeout, def.ConnectTimeout)
	setDefault(&cfg.VariableTimeout, def.VariableTimeout)
	setDefault(&cfg.CommandTimeout, def.CommandTimeout)
	setDefault(&cfg.ResyncTimeout, def.ResyncTimeout)
	setDefault(&cfg.ShutdownGrace, def.ShutdownGrace)
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if spawn == nil {
		spawn = ExecSpawner(cfg.Shell, cfg.Args...)
	}
	m := &Manager{cfg: cfg, spawn: spawn, tokens: tokens, logger: logger}
	m.setState(domain.SessionUninitialized)
	return m
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func (m *Manager) State() domain.SessionState {
	return domain.SessionState(m.state.Load())
}

func (m *Manager) setState(s domain.SessionState) {
	m.state.Store(int32(s))
	metrics.SessionState.Set(int64(s))
}

func (m *Manager) transition(from, to domain.SessionState) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.SessionState.Set(int64(to))
	return true
}

// Start runs the bootstrap sequence. Every step is time-boxed; the first
// failure leaves the session degraded and returns an ErrBootstrap error.
// There is no retry: a second attempt would re-run the interactive sign-in.
func (m *Manager) Start(ctx context.Context) error {
	if !m.transition(domain.SessionUninitialized, domain.SessionStarting) {
		return fmt.Errorf("%w: session is %s", domain.ErrBootstrap, m.State())
	}
	m.logger.Info("starting PowerShell session", "shell", m.cfg.Shell)

	if err := m.bootstrap(ctx); err != nil {
		if m.State() != domain.SessionStopped {
			m.setState(domain.SessionDegraded)
		}
		m.release(context.Background())
		return fmt.Errorf("%w: %w", domain.ErrBootstrap, err)
	}
	if !m.transition(domain.SessionStarting, domain.SessionReady) {
		m.release(context.Background())
		return fmt.Errorf("%w: session became %s during startup", domain.ErrBootstrap, m.State())
	}
	m.logger.Info("sessions connected", "organization", m.cfg.Organization)
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	if m.cfg.Principal == "" || m.cfg.Organization == "" {
		return errors.New("principal (DLM_UPN) and organization (DLM_ORGANIZATION) are required")
	}

	proc, err := m.spawn(ctx)
	if err != nil {
		return fmt.Errorf("spawn shell: %w", err)
	}
	ch := m.attach(proc)
	// A Shutdown that ran while the shell was spawning found nothing to release.
	if m.State() == domain.SessionStopped {
		return errors.New("session stopped during startup")
	}

	if err := ch.Probe(ctx, m.cfg.ReadyTimeout); err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}

	// Progress rendering cannot draw in piped mode and can stall stdout.
	if err := m.step(ctx, "prime environment", "$ProgressPreference = 'SilentlyContinue'", m.cfg.PrimeTimeout); err != nil {
		return err
	}
	// Auto-loading a module from inside Connect-* hangs in piped mode; load explicitly.
	for _, mod := range m.cfg.Modules {
		if err := m.step(ctx, "import "+mod, "Import-Module "+Quote(mod)+" -ErrorAction Stop", m.cfg.ImportTimeout); err != nil {
			return err
		}
	}

	m.logger.Info("acquiring access token (a browser may open)", "principal", m.cfg.Principal)
	token, err := m.tokens.AcquireToken(ctx, TokenRequest{
		Scope:     m.cfg.TokenScope,
		Principal: m.cfg.Principal,
		Tenant:    m.cfg.Organization,
		Timeout:   m.cfg.TokenTimeout,
	})
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	org := Quote(m.cfg.Organization)
	if err := m.step(ctx, "connect Exchange Online",
		"Connect-ExchangeOnline -AccessToken "+Quote(token)+" -Organization "+org+" -ShowBanner:$false -ErrorAction Stop",
		m.cfg.ConnectTimeout); err != nil {
		return err
	}

	// The token goes through a variable to keep the logon line short.
	if err := m.step(ctx, "store token", "$_ippsToken = "+Quote(token), m.cfg.VariableTimeout); err != nil {
		return err
	}
	connect := "Connect-IPPSSession -AccessToken $_ippsToken -Organization " + org
	if len(m.cfg.ComplianceCmdlets) > 0 {
		connect += " -CommandName " + strings.Join(m.cfg.ComplianceCmdlets, ",")
	}
	connect += " -ShowBanner:$false -ErrorAction Stop"
	if err := m.step(ctx, "connect Security & Compliance", connect, m.cfg.ConnectTimeout); err != nil {
		return err
	}
	return m.step(ctx, "clear token", "$_ippsToken = $null", m.cfg.VariableTimeout)
}

// step runs one bootstrap command and treats the error sentinel as failure.
func (m *Manager) step(ctx context.Context, name, command string, timeout time.Duration) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%s: %w", name, domain.ErrSessionExited)
	}

	m.logger.Info("bootstrap step", "step", name)
	out, err := ch.ExecRaw(ctx, command, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if msg, failed := strings.CutPrefix(out, ErrorSentinel); failed {
		return fmt.Errorf("%s: %w: %s", name, domain.ErrSessionError, strings.TrimSpace(msg))
	}
	m.logger.Debug("bootstrap step done", "step", name)
	return nil
}

// attach wires a freshly spawned process: stdout into a Channel, stderr into
// the log, and an exit watcher that degrades the session.
func (m *Manager) attach(proc Process) *Channel {
	ch := NewChannel(proc.Stdin(), proc.Stdout(), ChannelOptions{
		CommandTimeout: m.cfg.CommandTimeout,
		ResyncTimeout:  m.cfg.ResyncTimeout,
		MaxOutputBytes: m.cfg.MaxOutputBytes,
	}, m.logger)
	exited := make(chan struct{})

	m.mu.Lock()
	m.proc = proc
	m.ch = ch
	m.exited = exited
	m.startedAt = time.Now()
	m.mu.Unlock()

	go forwardLines(proc.Stderr(), m.logger, "pwsh")
	go func() {
		err := proc.Wait()
		close(exited)
		m.onExit(err)
	}()
	return ch
}

func (m *Manager) onExit(err error) {
	for {
		cur := m.State()
		if cur == domain.SessionStopped || cur == domain.SessionDegraded {
			m.logger.Debug("shell process exited", "err", err)
			return
		}
		if m.transition(cur, domain.SessionDegraded) {
			m.logger.Error("shell process exited, session degraded", "err", err)
			return
		}
	}
}

// ExecRaw forwards one command to the channel. Callers should check State first.
func (m *Manager) ExecRaw(ctx context.Context, command string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return "", domain.ErrNotReady
	}
	return ch.ExecRaw(ctx, command, timeout)
}

// Shutdown asks the shell to exit, then kills it. It clears the ready state
// first so no new command is admitted, and is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.setState(domain.SessionStopped)
	return m.release(ctx)
}

func (m *Manager) release(ctx context.Context) error {
	m.mu.Lock()
	proc, exited := m.proc, m.exited
	m.proc, m.ch = nil, nil
	m.mu.Unlock()
	if proc == nil {
		return nil
	}

	// A shell that is busy may not read stdin; Kill below unblocks the write.
	go func() {
		stdin := proc.Stdin()
		if _, err := io.WriteString(stdin, "exit\n"); err != nil {
			m.logger.Debug("write exit", "err", err)
		}
		stdin.Close()
	}()

	grace := time.NewTimer(m.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill shell: %w", err)
	}
	m.logger.Info("PowerShell session shut down")
	return nil
}

// ProcessInfo reports resource usage of the live shell process.
func (m *Manager) ProcessInfo() (domain.ProcessInfo, error) {
	m.mu.Lock()
	proc, started := m.proc, m.startedAt
	m.mu.Unlock()
	if proc == nil {
		return domain.ProcessInfo{}, errors.New("no shell process")
	}
	return processInfo(proc.Pid(), started)
}

var _ domain.Session = (*Manager)(nil)

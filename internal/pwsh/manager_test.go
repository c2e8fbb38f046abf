package pwsh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dlmdiag/internal/domain"
)

type stubTokens struct {
	token string
	err   error
	got   []TokenRequest
}

func (s *stubTokens) AcquireToken(_ context.Context, req TokenRequest) (string, error) {
	s.got = append(s.got, req)
	return s.token, s.err
}

func testManagerConfig() Config {
	return Config{
		Principal:         "admin@contoso.onmicrosoft.com",
		Organization:      "contoso.onmicrosoft.com",
		Modules:           []string{"ExchangeOnlineManagement"},
		ComplianceCmdlets: []string{"Get-RetentionCompliancePolicy", "Get-RetentionComplianceRule"},
		ReadyTimeout:      time.Second,
		PrimeTimeout:      time.Second,
		ImportTimeout:     time.Second,
		ConnectTimeout:    time.Second,
		VariableTimeout:   time.Second,
		CommandTimeout:    time.Second,
		ShutdownGrace:     100 * time.Millisecond,
	}
}

func fakeSpawner(f *fakeShell, calls *int) Spawner {
	return func(context.Context) (Process, error) {
		*calls++
		return f, nil
	}
}

func waitForState(t *testing.T, m *Manager, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_StartRunsBootstrapInOrder(t *testing.T) {
	f := newFakeShell(nil)
	t.Cleanup(func() { f.Kill() })
	tokens := &stubTokens{token: "tok'en"}
	var spawned int

	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), tokens, testLogger())
	if m.State() != domain.SessionUninitialized {
		t.Fatalf("initial state = %s", m.State())
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != domain.SessionReady {
		t.Fatalf("state = %s, want ready", m.State())
	}

	want := []string{
		"$ProgressPreference = 'SilentlyContinue'",
		"Import-Module 'ExchangeOnlineManagement' -ErrorAction Stop",
		"Connect-ExchangeOnline -AccessToken 'tok''en' -Organization 'contoso.onmicrosoft.com' -ShowBanner:$false -ErrorAction Stop",
		"$_ippsToken = 'tok''en'",
		"Connect-IPPSSession -AccessToken $_ippsToken -Organization 'contoso.onmicrosoft.com' -CommandName Get-RetentionCompliancePolicy,Get-RetentionComplianceRule -ShowBanner:$false -ErrorAction Stop",
		"$_ippsToken = $null",
	}
	if diff := cmp.Diff(want, f.Commands()); diff != "" {
		t.Errorf("bootstrap commands mismatch (-want +got):\n%s", diff)
	}
	if spawned != 1 {
		t.Errorf("expected one spawn, got %d", spawned)
	}
	if len(tokens.got) != 1 || tokens.got[0].Scope != DefaultTokenScope || tokens.got[0].Principal != "admin@contoso.onmicrosoft.com" {
		t.Errorf("unexpected token request %+v", tokens.got)
	}
	if lines := f.Lines(); !strings.Contains(lines[0], readyMarkerPrefix) {
		t.Errorf("first input should be the readiness probe, got %q", lines[0])
	}
}

func TestManager_ExecRawAfterStart(t *testing.T) {
	f := newFakeShell(func(cmd string) reply {
		if cmd == "Get-Mailbox" {
			return reply{out: "Confidential"}
		}
		return reply{}
	})
	t.Cleanup(func() { f.Kill() })
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), &stubTokens{token: "t"}, testLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out, err := m.ExecRaw(context.Background(), "Get-Mailbox", time.Second)
	if err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	if out != "Confidential" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestManager_MissingPrincipalFailsBeforeSpawn(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Principal = ""
	var spawned int
	m := NewManager(cfg, fakeSpawner(newFakeShell(nil), &spawned), &stubTokens{}, testLogger())

	err := m.Start(context.Background())
	if !errors.Is(err, domain.ErrBootstrap) {
		t.Fatalf("expected ErrBootstrap, got %v", err)
	}
	if spawned != 0 {
		t.Errorf("shell should not be spawned, got %d spawns", spawned)
	}
	if m.State() != domain.SessionDegraded {
		t.Errorf("state = %s, want degraded", m.State())
	}
}

func TestManager_StepErrorSentinelFailsStart(t *testing.T) {
	f := newFakeShell(func(cmd string) reply {
		if strings.HasPrefix(cmd, "Import-Module") {
			return reply{psErr: "module not found"}
		}
		return reply{}
	})
	tokens := &stubTokens{token: "t"}
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), tokens, testLogger())

	err := m.Start(context.Background())
	if !errors.Is(err, domain.ErrBootstrap) || !errors.Is(err, domain.ErrSessionError) {
		t.Fatalf("expected bootstrap session error, got %v", err)
	}
	if !strings.Contains(err.Error(), "module not found") {
		t.Errorf("error should carry the shell message, got %v", err)
	}
	if len(tokens.got) != 0 {
		t.Error("token must not be requested after a failed import")
	}
	if m.State() != domain.SessionDegraded {
		t.Errorf("state = %s, want degraded", m.State())
	}
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Error("shell should be released after a failed start")
	}
}

func TestManager_TokenFailureDegrades(t *testing.T) {
	f := newFakeShell(nil)
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), &stubTokens{err: ErrTokenTimeout}, testLogger())

	err := m.Start(context.Background())
	if !errors.Is(err, ErrTokenTimeout) || !errors.Is(err, domain.ErrBootstrap) {
		t.Fatalf("expected wrapped token timeout, got %v", err)
	}
	if m.State() != domain.SessionDegraded {
		t.Errorf("state = %s, want degraded", m.State())
	}
	if _, err := m.ExecRaw(context.Background(), "Get-Mailbox", time.Second); !errors.Is(err, domain.ErrNotReady) {
		t.Errorf("expected ErrNotReady after failed start, got %v", err)
	}
}

func TestManager_StartTwice(t *testing.T) {
	f := newFakeShell(nil)
	t.Cleanup(func() { f.Kill() })
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), &stubTokens{token: "t"}, testLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, domain.ErrBootstrap) {
		t.Fatalf("expected second Start to fail, got %v", err)
	}
	if spawned != 1 {
		t.Errorf("expected one spawn, got %d", spawned)
	}
}

func TestManager_ProcessExitDegrades(t *testing.T) {
	f := newFakeShell(nil)
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), &stubTokens{token: "t"}, testLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.Kill()
	waitForState(t, m, domain.SessionDegraded)
}

func TestManager_Shutdown(t *testing.T) {
	f := newFakeShell(nil)
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), &stubTokens{token: "t"}, testLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.State() != domain.SessionStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
	lines := f.Lines()
	if lines[len(lines)-1] != "exit" {
		t.Errorf("expected exit to be sent, last input %q", lines[len(lines)-1])
	}
	if _, err := m.ExecRaw(context.Background(), "Get-Mailbox", time.Second); !errors.Is(err, domain.ErrNotReady) {
		t.Errorf("expected ErrNotReady after shutdown, got %v", err)
	}
	// The exit watcher must not move a stopped session to degraded.
	time.Sleep(20 * time.Millisecond)
	if m.State() != domain.SessionStopped {
		t.Errorf("state after exit = %s, want stopped", m.State())
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestManager_ShutdownWhileSpawning(t *testing.T) {
	f := newFakeShell(nil)
	t.Cleanup(func() { f.Kill() })
	entered, gate := make(chan struct{}), make(chan struct{})
	spawn := func(context.Context) (Process, error) {
		close(entered)
		<-gate
		return f, nil
	}
	m := NewManager(testManagerConfig(), spawn, &stubTokens{token: "t"}, testLogger())

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()
	<-entered
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(gate)

	if err := <-started; !errors.Is(err, domain.ErrBootstrap) {
		t.Fatalf("expected ErrBootstrap, got %v", err)
	}
	if m.State() != domain.SessionStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("shell spawned during shutdown was left running")
	}
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc != nil {
		t.Error("expected no shell process after shutdown")
	}
}

func TestManager_ShutdownDuringBootstrapStep(t *testing.T) {
	entered, gate := make(chan struct{}), make(chan struct{})
	t.Cleanup(func() { close(gate) })
	f := newFakeShell(func(cmd string) reply {
		if cmd == "$_ippsToken = $null" {
			close(entered)
			return reply{wait: gate}
		}
		return reply{}
	})
	t.Cleanup(func() { f.Kill() })
	var spawned int
	m := NewManager(testManagerConfig(), fakeSpawner(f, &spawned), &stubTokens{token: "t"}, testLogger())

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()
	<-entered

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on a busy shell")
	}

	if err := <-started; !errors.Is(err, domain.ErrBootstrap) {
		t.Fatalf("expected ErrBootstrap, got %v", err)
	}
	if m.State() != domain.SessionStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
	select {
	case <-f.done:
	default:
		t.Error("shell still running after shutdown")
	}
}

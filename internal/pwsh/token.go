package pwsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultAppID is the public client registered for the Exchange Online v3 REST API.
	DefaultAppID       = "fb78d390-0c51-40cd-8e17-fdbfab77341b"
	DefaultRedirectURI = "http://localhost"
	DefaultTokenScope  = "https://outlook.office365.com/.default"

	defaultTokenTimeout   = 5 * time.Minute
	defaultMinTokenLength = 100
	tokenWaitDelay        = 2 * time.Second
)

var (
	ErrTokenSpawn   = errors.New("token helper could not be started")
	ErrTokenExit    = errors.New("token helper failed")
	ErrTokenInvalid = errors.New("token helper returned an invalid access token")
	ErrTokenTimeout = errors.New("token acquisition timed out")
)

// TokenRequest identifies the token to acquire.
type TokenRequest struct {
	Scope     string
	Principal string
	Tenant    string
	Timeout   time.Duration
}

// TokenAcquirer returns a bearer token for the session logons.
type TokenAcquirer interface {
	AcquireToken(ctx context.Context, req TokenRequest) (string, error)
}

// Bootstrapper acquires a token in a throwaway shell process. The session's
// own shell has piped stdio and no way to drive a browser sign-in, so the
// interactive flow runs here instead and only the token crosses back.
type Bootstrapper struct {
	Shell          string
	AppID          string
	RedirectURI    string
	Module         string
	MinTokenLength int

	logger  *slog.Logger
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewBootstrapper(shell string, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		Shell:          shell,
		AppID:          DefaultAppID,
		RedirectURI:    DefaultRedirectURI,
		Module:         "ExchangeOnlineManagement",
		MinTokenLength: defaultMinTokenLength,
		logger:         logger,
		command:        exec.CommandContext,
	}
}

// AcquireToken runs the helper script and returns what it wrote to stdout.
// Narration from the script arrives on stderr and is forwarded to the log.
func (b *Bootstrapper) AcquireToken(ctx context.Context, req TokenRequest) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := b.command(ctx, b.Shell, "-NoProfile", "-NonInteractive", "-Command", b.Script(req))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, newLineLogger(b.logger, "token"))
	cmd.WaitDelay = tokenWaitDelay

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenSpawn, err)
	}
	err := cmd.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", ErrTokenTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w (exit %d): %s", ErrTokenExit, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%w: %v", ErrTokenExit, err)
	}

	token := strings.TrimSpace(stdout.String())
	if len(token) < b.MinTokenLength {
		return "", fmt.Errorf("%w (length=%d): %s", ErrTokenInvalid, len(token), strings.TrimSpace(stderr.String()))
	}
	b.logger.Info("access token acquired", "chars", len(token))
	return token, nil
}

// Script renders the self-contained helper: silent acquisition from the MSAL
// cache first, then an interactive system-browser sign-in. Only the token is
// written to stdout.
func (b *Bootstrapper) Script(req TokenRequest) string {
	principal := Escape(req.Principal)
	lines := []string{
		`$ErrorActionPreference = 'Stop'`,
		`$exoModule = Get-Module ` + b.Module + ` -ListAvailable | Select-Object -First 1`,
		`if (-not $exoModule) { throw '` + Escape(b.Module) + ` module not found' }`,
		`$msalPath = Join-Path $exoModule.ModuleBase 'NetCore' 'Microsoft.Identity.Client.dll'`,
		`if (-not (Test-Path $msalPath)) { $msalPath = Join-Path $exoModule.ModuleBase 'NetFramework' 'Microsoft.Identity.Client.dll' }`,
		`if (-not (Test-Path $msalPath)) { throw 'MSAL DLL not found in ` + Escape(b.Module) + ` module' }`,
		`Add-Type -Path $msalPath -ErrorAction SilentlyContinue`,
		``,
		`$authority = ` + Quote("https://login.microsoftonline.com/"+req.Tenant),
		`$appBuilder = [Microsoft.Identity.Client.PublicClientApplicationBuilder]::Create(` + Quote(b.AppID) + `)`,
		`$appBuilder = $appBuilder.WithAuthority($authority)`,
		`$appBuilder = $appBuilder.WithRedirectUri(` + Quote(b.RedirectURI) + `)`,
		`$app = $appBuilder.Build()`,
		`$scopes = [string[]]@(` + Quote(req.Scope) + `)`,
		``,
		`$accounts = $app.GetAccountsAsync().GetAwaiter().GetResult()`,
		`$account = $accounts | Where-Object { $_.Username -eq '` + principal + `' } | Select-Object -First 1`,
		`if ($account) {`,
		`  try {`,
		`    $silentResult = $app.AcquireTokenSilent($scopes, $account).ExecuteAsync().GetAwaiter().GetResult()`,
		`    [Console]::Error.WriteLine('Token acquired silently (cached)')`,
		`    [Console]::Out.Write($silentResult.AccessToken)`,
		`    exit 0`,
		`  } catch { }`,
		`}`,
		``,
		`[Console]::Error.WriteLine('Opening browser for sign-in...')`,
		`$builder = $app.AcquireTokenInteractive($scopes)`,
		`$builder = $builder.WithLoginHint('` + principal + `')`,
		`$builder = $builder.WithUseEmbeddedWebView($false)`,
		`$tokenResult = $builder.ExecuteAsync().GetAwaiter().GetResult()`,
		`[Console]::Error.WriteLine('Token acquired successfully')`,
		`[Console]::Out.Write($tokenResult.AccessToken)`,
	}
	return strings.Join(lines, "\n")
}

var _ TokenAcquirer = (*Bootstrapper)(nil)

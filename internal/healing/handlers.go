package healing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/clawinfra/autoheal/internal/runner"
)

// Handler performs one remediation and describes what it did.
type Handler interface {
	Remediate(ctx context.Context, d Detection) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Detection) (string, error)

func (f HandlerFunc) Remediate(ctx context.Context, d Detection) (string, error) {
	return f(ctx, d)
}

// CommandRunner runs remediation commands.
type CommandRunner interface {
	Exec(ctx context.Context, spec runner.Spec) (runner.Result, error)
}

// SpaceReclaimer frees disk space on request.
type SpaceReclaimer interface {
	ReclaimSpace(ctx context.Context) (string, error)
}

// Guard vets paths, binaries and substituted values before a handler acts on
// them. A nil Guard allows everything.
type Guard interface {
	CheckPath(path string) error
	CheckCommand(argv []string) error
	CheckArg(value string) error
}

// HandlerConfig parameterizes the built-in handlers.
type HandlerConfig struct {
	WorkDir         string
	RequiredDirs    []string
	ManagedDirs     []string
	InstallCommand  []string // the missing package name is appended
	FreePortCommand []string // "{port}" is substituted
	RestartCommand  []string // "{module}" is substituted
	Modules         []string
	RetryAttempts   int
	TimeoutFactor   float64
	MaxTimeoutScale float64
	Guard           Guard
}

var (
	quotedPathRe = regexp.MustCompile(`'([^']+)'|"([^"]+)"`)
	bareOpPathRe = regexp.MustCompile(`(?i)\b(?:open|mkdir|scandir|stat|access|chmod)\s+(/\S+)`)
	missingModRe = regexp.MustCompile(`(?i)cannot find module\s+['"]([^'"]+)['"]`)
	errNoCommand = errors.New("no command configured")
	errNoReclaim = errors.New("no space reclaimer configured")
)

// portRes only match the forms address-in-use errors name a port in, so
// clock times elsewhere on the line never match.
var portRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bport\s+(\d+)\b`),
	regexp.MustCompile(`(?i)(?:in use|listen(?:ing)?(?:\s+(?:tcp|udp)[46]?)?|bind(?:ing)?)[\s:]+(?:\[::\]|::|(?:\d{1,3}\.){3}\d{1,3}|localhost|[a-z][\w.-]*)?:(\d+)\b`),
}

// DefaultHandlers binds every Action to its built-in handler.
func DefaultHandlers(cfg HandlerConfig, cmds CommandRunner, reclaimer SpaceReclaimer, tuning *Tuning) map[Action]Handler {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.TimeoutFactor <= 1 {
		cfg.TimeoutFactor = 1.5
	}
	if cfg.MaxTimeoutScale <= 0 {
		cfg.MaxTimeoutScale = 4
	}
	h := &builtin{cfg: cfg, cmds: cmds, reclaimer: reclaimer, tuning: tuning}

	return map[Action]Handler{
		ActionCreateDirectories:   HandlerFunc(h.createDirectories),
		ActionFixPermissions:      HandlerFunc(h.fixPermissions),
		ActionCleanupDisk:         HandlerFunc(h.cleanupDisk),
		ActionInstallDependencies: HandlerFunc(h.installDependencies),
		ActionKillPort:            HandlerFunc(h.killPort),
		ActionRestartProcess:      HandlerFunc(h.restartProcess),
		ActionRetryWithBackoff:    HandlerFunc(h.retryWithBackoff),
		ActionIncreaseTimeout:     HandlerFunc(h.increaseTimeout),
	}
}

type builtin struct {
	cfg       HandlerConfig
	cmds      CommandRunner
	reclaimer SpaceReclaimer
	tuning    *Tuning
}

func (h *builtin) createDirectories(_ context.Context, d Detection) (string, error) {
	var dirs []string
	if p := extractPath(d.MatchedText); p != "" {
		p = h.resolve(p)
		lower := strings.ToLower(d.MatchedText)
		if strings.Contains(lower, "scandir") || strings.Contains(lower, "mkdir") || strings.Contains(lower, "opendir") {
			dirs = append(dirs, p)
		} else if parent := filepath.Dir(p); parent != "." && parent != h.cfg.WorkDir {
			dirs = append(dirs, parent)
		}
	}
	if len(dirs) == 0 {
		dirs = h.cfg.RequiredDirs
	}

	var created []string
	for _, dir := range dirs {
		dir = h.resolve(dir)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			continue
		}
		if err := h.checkPath(dir); err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
		created = append(created, dir)
	}
	if len(created) == 0 {
		return "no missing directories", nil
	}
	return "created " + strings.Join(created, ", "), nil
}

func (h *builtin) fixPermissions(_ context.Context, d Detection) (string, error) {
	targets := h.cfg.ManagedDirs
	if p := extractPath(d.MatchedText); p != "" {
		targets = []string{p}
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("no path found in %q and no managed dirs configured", d.MatchedText)
	}

	var fixed []string
	for _, target := range targets {
		target = h.resolve(target)
		if err := h.checkPath(target); err != nil {
			return "", err
		}
		info, err := os.Stat(target)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", target, err)
		}
		want := info.Mode().Perm() | 0o600
		if info.IsDir() {
			want |= 0o700
		}
		if want == info.Mode().Perm() {
			continue
		}
		if err := os.Chmod(target, want); err != nil {
			return "", fmt.Errorf("chmod %s: %w", target, err)
		}
		fixed = append(fixed, fmt.Sprintf("%s=%o", target, want))
	}
	if len(fixed) == 0 {
		return "permissions already sufficient", nil
	}
	return "chmod " + strings.Join(fixed, ", "), nil
}

func (h *builtin) cleanupDisk(ctx context.Context, _ Detection) (string, error) {
	if h.reclaimer == nil {
		return "", errNoReclaim
	}
	return h.reclaimer.ReclaimSpace(ctx)
}

func (h *builtin) installDependencies(ctx context.Context, d Detection) (string, error) {
	cmd := slices.Clone(h.cfg.InstallCommand)
	if m := missingModRe.FindStringSubmatch(d.MatchedText); m != nil && !strings.HasPrefix(m[1], ".") && !strings.HasPrefix(m[1], "/") {
		if err := h.checkArg(m[1]); err != nil {
			return "", err
		}
		cmd = append(cmd, m[1])
	}
	return h.run(ctx, ActionInstallDependencies, cmd)
}

func (h *builtin) killPort(ctx context.Context, d Detection) (string, error) {
	port, err := extractPort(d.MatchedText)
	if err != nil {
		return "", err
	}
	if err := h.checkArg(port); err != nil {
		return "", err
	}
	return h.run(ctx, ActionKillPort, substitute(h.cfg.FreePortCommand, "{port}", port))
}

// extractPort returns the last port named in an address-in-use message.
func extractPort(text string) (string, error) {
	for _, re := range portRes {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		raw := matches[len(matches)-1][1]
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 65535 {
			return "", fmt.Errorf("port %s out of range in %q", raw, text)
		}
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("no port found in %q", text)
}

func (h *builtin) restartProcess(ctx context.Context, d Detection) (string, error) {
	if d.Source != "" {
		if err := h.checkArg(d.Source); err != nil {
			return "", err
		}
	}
	return h.run(ctx, ActionRestartProcess, substitute(h.cfg.RestartCommand, "{module}", d.Source))
}

func (h *builtin) retryWithBackoff(_ context.Context, d Detection) (string, error) {
	module := h.moduleOf(d)
	n := h.tuning.EnableRetry(module, h.cfg.RetryAttempts)
	return fmt.Sprintf("retries enabled for %s: %d attempts", displayModule(module), n), nil
}

func (h *builtin) increaseTimeout(_ context.Context, d Detection) (string, error) {
	module := h.moduleOf(d)
	scale := h.tuning.ScaleTimeout(module, h.cfg.TimeoutFactor, h.cfg.MaxTimeoutScale)
	return fmt.Sprintf("timeout scale for %s now %.2fx", displayModule(module), scale), nil
}

func (h *builtin) run(ctx context.Context, action Action, cmd []string) (string, error) {
	if len(cmd) == 0 || h.cmds == nil {
		return "", fmt.Errorf("%s: %w", action, errNoCommand)
	}
	if h.cfg.Guard != nil {
		if err := h.cfg.Guard.CheckCommand(cmd); err != nil {
			return "", err
		}
	}
	res, err := h.cmds.Exec(ctx, runner.Spec{
		Name: string(action),
		Path: cmd[0],
		Args: cmd[1:],
		Dir:  h.cfg.WorkDir,
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("%s exited %d: %s", strings.Join(cmd, " "), res.ExitCode, lastLine(res.Stderr))
	}
	return "ran " + strings.Join(cmd, " "), nil
}

func (h *builtin) checkPath(p string) error {
	if h.cfg.Guard == nil {
		return nil
	}
	return h.cfg.Guard.CheckPath(p)
}

func (h *builtin) checkArg(v string) error {
	if h.cfg.Guard == nil {
		return nil
	}
	return h.cfg.Guard.CheckArg(v)
}

func (h *builtin) moduleOf(d Detection) string {
	if slices.Contains(h.cfg.Modules, d.Source) {
		return d.Source
	}
	return ""
}

func (h *builtin) resolve(p string) string {
	if filepath.IsAbs(p) || h.cfg.WorkDir == "" {
		return p
	}
	return filepath.Join(h.cfg.WorkDir, p)
}

func extractPath(text string) string {
	if m := quotedPathRe.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	if m := bareOpPathRe.FindStringSubmatch(text); m != nil {
		return strings.TrimRight(m[1], ",;:")
	}
	return ""
}

func substitute(cmd []string, placeholder, value string) []string {
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		out[i] = strings.ReplaceAll(arg, placeholder, value)
	}
	return out
}

func displayModule(module string) string {
	if module == "" {
		return "all modules"
	}
	return module
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// Package syncmgr is a thin process-level wrapper over Mutagen, the
// external bidirectional file-sync daemon: exec.CommandContext with
// captured output, since Mutagen's line-oriented CLI protocol has no Go
// client library.
package syncmgr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/log"
	"github.com/kamilc/campers/internal/waiter"
)

const (
	pollInterval  = 2 * time.Second
	statusTimeout = 10 * time.Second
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	hostPattern     = regexp.MustCompile(`^[\w.-]+$`)

	defaultVCSIgnores = []string{".git", ".gitignore", ".svn"}
)

// Manager wraps the mutagen binary.
type Manager struct {
	binary         string
	notInstalled   bool // CAMPERS_MUTAGEN_NOT_INSTALLED test-harness knob
}

// New returns a Manager. notInstalled forces RequireInstalled to fail, the
// CAMPERS_MUTAGEN_NOT_INSTALLED test-harness override.
func New(notInstalled bool) *Manager {
	return &Manager{binary: "mutagen", notInstalled: notInstalled}
}

// RequireInstalled probes the daemon binary, failing with install
// instructions when it is absent.
func (m *Manager) RequireInstalled(ctx context.Context) error {
	if m.notInstalled {
		return fmt.Errorf("mutagen is not installed locally.\nPlease install Mutagen to use campers file synchronization.\nVisit: https://github.com/mutagen-io/mutagen")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.binary, "version")
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.Error); ok {
			return fmt.Errorf("mutagen is not installed locally.\nPlease install Mutagen to use campers file synchronization.\nVisit: https://github.com/mutagen-io/mutagen")
		}
		return fmt.Errorf("mutagen is installed but returned an error: %w", err)
	}
	return nil
}

// CleanupOrphan best-effort terminates any prior session by this
// deterministic name, tolerating "not found".
func (m *Manager) CleanupOrphan(session string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	listCmd := exec.CommandContext(ctx, m.binary, "sync", "list", session)
	if err := listCmd.Run(); err != nil {
		return // not found, or daemon unreachable: nothing to clean up
	}

	termCtx, termCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer termCancel()
	termCmd := exec.CommandContext(termCtx, m.binary, "sync", "terminate", session)
	if err := termCmd.Run(); err != nil {
		log.WithComponent("sync").Warn().Str("session", session).Err(err).Msg("failed to clean up orphaned sync session")
	}
}

// Create validates username/host against injection, then creates a
// two-way-resolved Mutagen session with the sync daemon forced to use a
// specific SSH command (chosen key, first-contact host-key acceptance).
func (m *Manager) Create(session, localPath, remotePath, host, keyPath, username string, ignorePatterns []string, includeVCS bool) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("invalid SSH username: %s", username)
	}
	if !hostPattern.MatchString(host) {
		return fmt.Errorf("invalid host: %s", host)
	}

	args := []string{"sync", "create", "--name", session, "--sync-mode", "two-way-resolved"}
	for _, pattern := range ignorePatterns {
		args = append(args, "--ignore", pattern)
	}
	if !includeVCS {
		for _, pattern := range defaultVCSIgnores {
			args = append(args, "--ignore", pattern)
		}
	}

	local := expandHome(localPath)
	remote := fmt.Sprintf("%s@%s:%s", username, host, remotePath)
	args = append(args, local, remote)

	env := append(os.Environ(),
		fmt.Sprintf("MUTAGEN_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new", shellQuote(expandHome(keyPath))),
	)

	cmd := exec.Command(m.binary, args...)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to create Mutagen sync session: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WaitForInitial polls the daemon's status list every 2s until session
// reports "watching", or timeout elapses.
func (m *Manager) WaitForInitial(session string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := waiter.New(timeout, pollInterval).WaitForErr(ctx, func() (bool, error) {
		statusCtx, statusCancel := context.WithTimeout(context.Background(), statusTimeout)
		defer statusCancel()

		cmd := exec.CommandContext(statusCtx, m.binary, "sync", "list", session)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return false, fmt.Errorf("failed to check sync status: %s", strings.TrimSpace(string(out)))
		}
		return strings.Contains(strings.ToLower(string(out)), "watching"), nil
	}, fmt.Sprintf("sync session %s to reach watching state", session))

	if err != nil {
		if ctx.Err() == nil {
			// The status probe itself failed before the budget ran out.
			return err
		}
		return &cerrors.SyncTimeoutError{SessionName: session, Timeout: timeout.String()}
	}
	return nil
}

// Terminate is idempotent and error-tolerant.
func (m *Manager) Terminate(session string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.binary, "sync", "terminate", session)
	if err := cmd.Run(); err != nil {
		log.WithComponent("sync").Debug().Str("session", session).Err(err).Msg("terminate reported an error (tolerated)")
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

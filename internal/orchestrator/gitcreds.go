package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/sandbox"
)

// refreshGitCredentials rewrites the workspace's origin remote URL with a
// refreshed token. Used on resume when the caller supplies a newer git
// credential than the one baked in at initialization.
func refreshGitCredentials(ctx context.Context, sb sandbox.Sandbox, workspacePath, token, remoteKind string, log *logger.Logger) error {
	res, err := sb.Exec(ctx, []string{"git", "-C", workspacePath, "remote", "get-url", "origin"})
	if err != nil {
		return fmt.Errorf("read origin remote: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("read origin remote: %s", strings.TrimSpace(res.Stderr))
	}

	current := strings.TrimSpace(res.Stdout)
	updated, err := embedToken(current, token, remoteKind)
	if err != nil {
		return err
	}
	if updated == current {
		return nil
	}

	res, err = sb.Exec(ctx, []string{"git", "-C", workspacePath, "remote", "set-url", "origin", updated})
	if err != nil {
		return fmt.Errorf("update origin remote: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("update origin remote: %s", strings.TrimSpace(res.Stderr))
	}

	log.Info("refreshed git remote credentials",
		zap.String("workspace_path", workspacePath),
		zap.String("remote_kind", remoteKind),
	)
	return nil
}

// embedToken returns the remote URL with the token placed in the userinfo
// section, using each host kind's expected username.
func embedToken(remote, token, remoteKind string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parse remote url %q: %w", remote, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		// SSH-style remotes keep their key-based auth untouched.
		return remote, nil
	}

	switch remoteKind {
	case "gitlab":
		u.User = url.UserPassword("oauth2", token)
	default: // github and compatible forges
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

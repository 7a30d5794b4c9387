// Package workspace derives canonical workspace identities from git context.
// A workspace id is a normalized remote URL, or a content hash of the first
// commit for remote-less repos, or a sentinel when there is no git context.
package workspace

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Jmemon/fuel/internal/models"
)

// CanonicalizeRemote normalizes a git remote URL to a stable canonical id of
// the form host/owner/repo. The host is lowercased; path segments keep their
// case; the .git suffix and protocol/credentials are dropped, so the SSH and
// HTTPS spellings of one repo collapse to the same id.
func CanonicalizeRemote(remote string) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", fmt.Errorf("empty remote URL")
	}

	var host, path string
	switch {
	case strings.HasPrefix(remote, "git@"):
		// git@github.com:owner/repo.git
		rest := strings.TrimPrefix(remote, "git@")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("cannot parse SSH remote: %s", remote)
		}
		host, path = parts[0], parts[1]
	case strings.HasPrefix(remote, "ssh://"):
		rest := strings.TrimPrefix(remote, "ssh://")
		rest = trimUserInfo(rest)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("cannot parse SSH remote: %s", remote)
		}
		host, path = parts[0], parts[1]
	case strings.HasPrefix(remote, "https://"), strings.HasPrefix(remote, "http://"):
		rest := strings.TrimPrefix(remote, "https://")
		rest = strings.TrimPrefix(rest, "http://")
		rest = trimUserInfo(rest)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("cannot parse remote URL: %s", remote)
		}
		host, path = parts[0], parts[1]
	default:
		return "", fmt.Errorf("unrecognized remote URL: %s", remote)
	}

	// Ports are part of identity only when nonstandard; strip the default ones.
	host = strings.ToLower(host)
	host = strings.TrimSuffix(host, ":22")
	host = strings.TrimSuffix(host, ":443")

	path = strings.TrimSuffix(path, "/")
	path = strings.TrimSuffix(path, ".git")
	path = strings.TrimPrefix(path, "/")
	if host == "" || path == "" {
		return "", fmt.Errorf("cannot parse remote URL: %s", remote)
	}
	return host + "/" + path, nil
}

func trimUserInfo(s string) string {
	if i := strings.Index(s, "@"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Resolver derives canonical workspace ids from directories on disk.
type Resolver struct{}

// NewResolver returns a Resolver that shells out to git.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve determines the canonical workspace id for a working directory.
// Resolution order: git remote in the directory itself; a .git/config found
// by walking parent directories (the directory may no longer exist); a hash
// of the repository's first commit for remote-less repos; the no-workspace
// sentinel when nothing resolves.
func (r *Resolver) Resolve(dir string) string {
	if _, err := os.Stat(dir); err == nil {
		if remote, err := gitCmd(dir, "remote", "get-url", "origin"); err == nil && remote != "" {
			if id, err := CanonicalizeRemote(remote); err == nil {
				return id
			}
		}
		if hash, err := gitCmd(dir, "rev-list", "--max-parents=0", "HEAD"); err == nil && hash != "" {
			// A repo can have multiple root commits; the first line is stable.
			first := strings.SplitN(hash, "\n", 2)[0]
			return "commit-" + first
		}
	}

	// The recorded cwd may have been deleted or renamed since the session
	// ran. Walk up looking for a .git directory and read its config.
	if remote := findRemoteInParents(dir); remote != "" {
		if id, err := CanonicalizeRemote(remote); err == nil {
			return id
		}
	}

	return models.NoWorkspaceID
}

// findRemoteInParents walks from dir toward the root looking for a
// .git/config with an origin remote, parsing the file directly since the
// directory tree may not be a usable git worktree anymore.
func findRemoteInParents(dir string) string {
	for d := dir; ; d = filepath.Dir(d) {
		cfg := filepath.Join(d, ".git", "config")
		if _, err := os.Stat(cfg); err == nil {
			if remote := parseConfigRemote(cfg); remote != "" {
				return remote
			}
		}
		if d == filepath.Dir(d) {
			return ""
		}
	}
}

// parseConfigRemote extracts the origin URL from a git config file.
func parseConfigRemote(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = file.Close() }()

	inOrigin := false
	var fallback string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inOrigin = line == `[remote "origin"]`
			continue
		}
		if strings.HasPrefix(line, "url") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			url := strings.TrimSpace(parts[1])
			if inOrigin {
				return url
			}
			if fallback == "" {
				fallback = url
			}
		}
	}
	return fallback
}

// DisplayName returns a short human-readable name for a canonical id, the
// final path segment for remote-derived ids.
func DisplayName(canonicalID string) string {
	if canonicalID == models.NoWorkspaceID || strings.HasPrefix(canonicalID, "commit-") {
		return canonicalID
	}
	if i := strings.LastIndex(canonicalID, "/"); i >= 0 {
		return canonicalID[i+1:]
	}
	return canonicalID
}

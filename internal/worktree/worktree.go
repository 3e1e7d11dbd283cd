package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/store"
)

// BranchPrefix namespaces branches created for phase agents.
const BranchPrefix = "agentd/"

// Manager provisions and tears down per-agent working directories under a
// single base directory.
type Manager struct {
	baseDir string
	logger  *zap.Logger
}

// NewManager returns a manager rooted at baseDir. The directory is created
// lazily on first provision.
func NewManager(baseDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{baseDir: baseDir, logger: logger.Named("worktree")}
}

// ProvisionRequest describes the working directories one agent needs.
type ProvisionRequest struct {
	// Repos are the workspace repositories, primary first.
	Repos    []store.Repo
	Strategy store.GitStrategy
	// Slug seeds the branch and directory name, typically the phase name.
	Slug string
}

// Provision is the outcome: where the agent runs and on what branch.
type Provision struct {
	// Path is the agent's working directory (the primary repo's worktree, or
	// the repo itself for in-place strategies).
	Path string
	// Branch is the branch checked out in Path; empty for strategy "main".
	Branch string
	// Manifest lists one worktree per repo when the workspace holds several.
	Manifest []store.RepoWorktree
	// InPlace marks that Path is a primary working tree, never removed.
	InPlace bool
}

// Validate checks that path is an openable git repository.
func (m *Manager) Validate(path string) error {
	if _, err := git.PlainOpen(path); err != nil {
		return fmt.Errorf("not a git repository: %s: %w", path, err)
	}
	return nil
}

// ListBranches returns the local branch names of the repository at path.
func (m *Manager) ListBranches(path string) ([]string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer iter.Close()

	var names []string
	if err := iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to iterate branches: %w", err)
	}
	return names, nil
}

// CurrentBranch returns the branch checked out at path, or "" for a detached
// HEAD.
func (m *Manager) CurrentBranch(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

func (m *Manager) branchExists(path, branch string) bool {
	names, err := m.ListBranches(path)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == branch {
			return true
		}
	}
	return false
}

// Provision prepares working directories per the strategy. Strategy
// "worktree" creates a fresh branch and worktree per repo; "branch" checks a
// named branch out (in a worktree, or in place); "main" runs on the primary
// working tree as-is.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*Provision, error) {
	if len(req.Repos) == 0 {
		return nil, fmt.Errorf("no repositories to provision")
	}
	for _, r := range req.Repos {
		if err := m.Validate(r.Path); err != nil {
			return nil, err
		}
	}

	switch req.Strategy.Type {
	case "", "worktree":
		return m.provisionWorktrees(ctx, req.Repos, m.taskBranch(req.Slug), true)
	case "branch":
		if req.Strategy.Branch == "" {
			return nil, fmt.Errorf("branch strategy requires a branch name")
		}
		if req.Strategy.InPlace {
			return m.checkoutInPlace(ctx, req.Repos, req.Strategy.Branch, req.Strategy.CreateBranch)
		}
		return m.provisionWorktrees(ctx, req.Repos, req.Strategy.Branch, req.Strategy.CreateBranch)
	case "main":
		p := &Provision{Path: req.Repos[0].Path, InPlace: true}
		if branch, err := m.CurrentBranch(req.Repos[0].Path); err == nil {
			p.Branch = branch
		}
		p.Manifest = inPlaceManifest(req.Repos)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown git strategy %q", req.Strategy.Type)
	}
}

// taskBranch derives a unique branch name from a slug.
func (m *Manager) taskBranch(slug string) string {
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	s := Sanitize(slug)
	if s == "" {
		s = "task"
	}
	return BranchPrefix + s + "-" + short
}

func (m *Manager) provisionWorktrees(ctx context.Context, repos []store.Repo, branch string, create bool) (*Provision, error) {
	dirName := strings.ReplaceAll(strings.TrimPrefix(branch, BranchPrefix), "/", "-")
	root := filepath.Join(m.baseDir, dirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree dir: %w", err)
	}

	p := &Provision{Branch: branch}
	for i, r := range repos {
		// Single-repo workspaces get the root directly; multi-repo ones get
		// one subdirectory per repo under a shared session root.
		dest := root
		if len(repos) > 1 {
			dest = filepath.Join(root, r.Name)
		}

		args := []string{"-C", r.Path, "worktree", "add"}
		if create && !m.branchExists(r.Path, branch) {
			args = append(args, "-b", branch, dest)
		} else {
			args = append(args, dest, branch)
		}
		cmd := exec.CommandContext(ctx, "git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			// Roll back anything already added so a failed provision leaves
			// no orphan worktrees behind.
			m.Remove(context.WithoutCancel(ctx), repos[:i], p)
			return nil, fmt.Errorf("git worktree add failed for %s: %w: %s", r.Name, err, strings.TrimSpace(string(out)))
		}

		p.Manifest = append(p.Manifest, store.RepoWorktree{Repo: r.Name, Path: dest})
		if i == 0 {
			p.Path = dest
		}
		m.logger.Info("worktree added",
			zap.String("repo", r.Name),
			zap.String("branch", branch),
			zap.String("path", dest))
	}
	if len(repos) == 1 {
		p.Manifest = nil
	}
	return p, nil
}

func (m *Manager) checkoutInPlace(ctx context.Context, repos []store.Repo, branch string, create bool) (*Provision, error) {
	p := &Provision{Branch: branch, InPlace: true}
	for i, r := range repos {
		args := []string{"-C", r.Path, "checkout"}
		if create && !m.branchExists(r.Path, branch) {
			args = append(args, "-b")
		}
		args = append(args, branch)
		cmd := exec.CommandContext(ctx, "git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("git checkout failed for %s: %w: %s", r.Name, err, strings.TrimSpace(string(out)))
		}
		if i == 0 {
			p.Path = r.Path
		}
	}
	p.Manifest = inPlaceManifest(repos)
	if len(repos) == 1 {
		p.Manifest = nil
	}
	return p, nil
}

// Remove tears down the worktrees of a provision. Failures are logged and
// returned but never abort the remaining removals; in-place provisions are a
// no-op.
func (m *Manager) Remove(ctx context.Context, repos []store.Repo, p *Provision) error {
	if p == nil || p.InPlace {
		return nil
	}
	manifest := p.Manifest
	if len(manifest) == 0 && p.Path != "" {
		manifest = []store.RepoWorktree{{Repo: primaryRepoName(repos), Path: p.Path}}
	}

	byName := make(map[string]string, len(repos))
	for _, r := range repos {
		byName[r.Name] = r.Path
	}

	var firstErr error
	for _, wt := range manifest {
		repoPath, ok := byName[wt.Repo]
		if !ok {
			m.logger.Warn("worktree repo no longer in workspace", zap.String("repo", wt.Repo))
			continue
		}
		cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", wt.Path)
		if out, err := cmd.CombinedOutput(); err != nil {
			if _, statErr := os.Stat(wt.Path); os.IsNotExist(statErr) {
				// Already gone; prune the stale registration and move on.
				_ = exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "prune").Run()
				continue
			}
			err = fmt.Errorf("git worktree remove failed for %s: %w: %s", wt.Repo, err, strings.TrimSpace(string(out)))
			m.logger.Warn("worktree removal failed", zap.String("path", wt.Path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sanitize lowercases a slug and reduces it to [a-z0-9-], capped at 40 runes.
func Sanitize(slug string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(slug) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func inPlaceManifest(repos []store.Repo) []store.RepoWorktree {
	manifest := make([]store.RepoWorktree, 0, len(repos))
	for _, r := range repos {
		manifest = append(manifest, store.RepoWorktree{Repo: r.Name, Path: r.Path})
	}
	return manifest
}

func primaryRepoName(repos []store.Repo) string {
	if len(repos) == 0 {
		return ""
	}
	return repos[0].Name
}

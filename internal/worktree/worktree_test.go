package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/store"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestValidate(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	repo := initRepo(t)

	assert.NoError(t, m.Validate(repo))
	assert.Error(t, m.Validate(t.TempDir()))
}

func TestListBranchesAndCurrentBranch(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	repo := initRepo(t)

	out, err := exec.Command("git", "-C", repo, "branch", "feature/x").CombinedOutput()
	require.NoError(t, err, "%s", out)

	branches, err := m.ListBranches(repo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "feature/x"}, branches)

	cur, err := m.CurrentBranch(repo)
	require.NoError(t, err)
	assert.Equal(t, "main", cur)
}

func TestProvisionWorktree(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)
	repo := initRepo(t)
	repos := []store.Repo{{Name: "app", Path: repo}}

	p, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    repos,
		Strategy: store.GitStrategy{Type: "worktree"},
		Slug:     "Implement Feature!",
	})
	require.NoError(t, err)
	assert.False(t, p.InPlace)
	assert.Contains(t, p.Branch, BranchPrefix+"implement-feature-")
	assert.DirExists(t, p.Path)
	assert.NotEqual(t, repo, p.Path)
	assert.Empty(t, p.Manifest, "single-repo provision carries no manifest")

	cur, err := m.CurrentBranch(p.Path)
	require.NoError(t, err)
	assert.Equal(t, p.Branch, cur)

	require.NoError(t, m.Remove(context.Background(), repos, p))
	assert.NoDirExists(t, p.Path)
}

func TestProvisionMultiRepoManifest(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)
	repos := []store.Repo{
		{Name: "api", Path: initRepo(t)},
		{Name: "web", Path: initRepo(t)},
	}

	p, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    repos,
		Strategy: store.GitStrategy{Type: "worktree"},
		Slug:     "refactor",
	})
	require.NoError(t, err)
	require.Len(t, p.Manifest, 2)
	assert.Equal(t, "api", p.Manifest[0].Repo)
	assert.Equal(t, p.Manifest[0].Path, p.Path, "primary repo worktree is the agent workdir")
	for _, wt := range p.Manifest {
		assert.DirExists(t, wt.Path)
	}
	// All repos share one branch name.
	for _, wt := range p.Manifest {
		cur, err := m.CurrentBranch(wt.Path)
		require.NoError(t, err)
		assert.Equal(t, p.Branch, cur)
	}

	require.NoError(t, m.Remove(context.Background(), repos, p))
	for _, wt := range p.Manifest {
		assert.NoDirExists(t, wt.Path)
	}
}

func TestProvisionNamedBranch(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	repo := initRepo(t)
	repos := []store.Repo{{Name: "app", Path: repo}}

	// Missing branch without create fails.
	_, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    repos,
		Strategy: store.GitStrategy{Type: "branch", Branch: "release"},
	})
	require.Error(t, err)

	p, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    repos,
		Strategy: store.GitStrategy{Type: "branch", Branch: "release", CreateBranch: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "release", p.Branch)
	cur, err := m.CurrentBranch(p.Path)
	require.NoError(t, err)
	assert.Equal(t, "release", cur)

	require.NoError(t, m.Remove(context.Background(), repos, p))
}

func TestProvisionBranchInPlace(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	repo := initRepo(t)
	repos := []store.Repo{{Name: "app", Path: repo}}

	p, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    repos,
		Strategy: store.GitStrategy{Type: "branch", Branch: "hotfix", CreateBranch: true, InPlace: true},
	})
	require.NoError(t, err)
	assert.True(t, p.InPlace)
	assert.Equal(t, repo, p.Path)

	cur, err := m.CurrentBranch(repo)
	require.NoError(t, err)
	assert.Equal(t, "hotfix", cur)

	// In-place provisions are never removed.
	require.NoError(t, m.Remove(context.Background(), repos, p))
	assert.DirExists(t, repo)
}

func TestProvisionMain(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	repo := initRepo(t)

	p, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    []store.Repo{{Name: "app", Path: repo}},
		Strategy: store.GitStrategy{Type: "main"},
	})
	require.NoError(t, err)
	assert.True(t, p.InPlace)
	assert.Equal(t, repo, p.Path)
	assert.Equal(t, "main", p.Branch)
}

func TestRemoveToleratesMissingWorktree(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	repo := initRepo(t)
	repos := []store.Repo{{Name: "app", Path: repo}}

	p, err := m.Provision(context.Background(), ProvisionRequest{
		Repos:    repos,
		Strategy: store.GitStrategy{Type: "worktree"},
		Slug:     "gone",
	})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(p.Path))

	assert.NoError(t, m.Remove(context.Background(), repos, p))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Implement Feature!", want: "implement-feature"},
		{in: "  weird__chars//here  ", want: "weird-chars-here"},
		{in: "!!!", want: ""},
		{in: "UPPER", want: "upper"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

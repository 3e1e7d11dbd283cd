// Package worktree provisions isolated git working directories for phase
// agents. Each agent either gets a dedicated worktree on a fresh branch, a
// checkout of a named branch, or (for in-place strategies) the primary
// working tree itself.
//
// Read-side inspection (validation, branch listing) goes through go-git;
// worktree add/remove shells out to the git binary, which owns the
// .git/worktrees bookkeeping.
package worktree

package worktree

import (
	"strings"
)

const (
	// WorktreeDir is the workspace-relative directory that holds all managed
	// worktrees. It must be ignored by git.
	WorktreeDir = ".elemental/.worktrees"

	branchPrefix = "agent/"
	maxSlugLen   = 40
)

// Slug converts a task title into a path/branch-safe fragment: lowercase
// ASCII only, everything else becomes a hyphen, runs collapse, edges trim,
// at most 40 characters.
func Slug(title string) string {
	var sb strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			sb.WriteRune('-')
			lastHyphen = true
		}
	}
	result := strings.Trim(sb.String(), "-")
	if len(result) > maxSlugLen {
		result = strings.TrimRight(result[:maxSlugLen], "-")
	}
	return result
}

// SafeName lowercases a name and maps everything outside [a-z0-9-] to a
// hyphen. Unlike Slug it neither collapses runs nor truncates, so the
// mapping stays reversible enough for debugging.
func SafeName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// BranchName derives the deterministic branch for an agent working a task:
// agent/<safe-agent>/<taskId>[-<slug>].
func BranchName(agentName, taskID, title string) string {
	branch := branchPrefix + SafeName(agentName) + "/" + taskID
	if slug := Slug(title); slug != "" {
		branch += "-" + slug
	}
	return branch
}

// RelativePath derives the workspace-relative worktree directory:
// .elemental/.worktrees/<safe-agent>[-<slug>].
func RelativePath(agentName, title string) string {
	name := SafeName(agentName)
	if slug := Slug(title); slug != "" {
		name += "-" + slug
	}
	return WorktreeDir + "/" + name
}

package worktree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Fix login bug", "fix-login-bug"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"UPPER_case.mixed", "upper-case-mixed"},
		{"---", ""},
		{"", ""},
		{"émojis 🔥 stripped", "mojis-stripped"},
		{"Café déploy", "caf-d-ploy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), "Slug(%q)", tt.in)
	}
}

func TestSlugTruncation(t *testing.T) {
	long := strings.Repeat("abcde ", 20)
	slug := Slug(long)
	assert.LessOrEqual(t, len(slug), 40)
	assert.False(t, strings.HasSuffix(slug, "-"), "truncation must not leave a trailing hyphen")
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "claude-3", SafeName("Claude 3"))
	assert.Equal(t, "a--b", SafeName("a??b"), "runs are not collapsed")
	assert.Equal(t, "already-safe", SafeName("already-safe"))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "agent/claude/el-42-fix-login", BranchName("Claude", "el-42", "Fix Login"))
	assert.Equal(t, "agent/claude/el-42", BranchName("claude", "el-42", ""))
	assert.Equal(t, "agent/claude/el-42", BranchName("claude", "el-42", "???"))
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, ".elemental/.worktrees/claude-fix-login", RelativePath("Claude", "Fix Login"))
	assert.Equal(t, ".elemental/.worktrees/claude", RelativePath("claude", ""))
}

func TestStateTransitions(t *testing.T) {
	allowed := [][2]State{
		{StateCreating, StateActive},
		{StateCreating, StateCleaning},
		{StateActive, StateSuspended},
		{StateActive, StateMerging},
		{StateActive, StateCleaning},
		{StateSuspended, StateActive},
		{StateSuspended, StateCleaning},
		{StateMerging, StateArchived},
		{StateMerging, StateCleaning},
		{StateMerging, StateActive},
		{StateCleaning, StateArchived},
	}
	for _, tr := range allowed {
		assert.NoError(t, CheckTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]State{
		{StateCreating, StateMerging},
		{StateActive, StateArchived},
		{StateArchived, StateActive},
		{StateCleaning, StateActive},
		{StateSuspended, StateMerging},
	}
	for _, tr := range denied {
		err := CheckTransition(tr[0], tr[1])
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}

	assert.ErrorIs(t, CheckTransition("bogus", StateActive), ErrInvalidState)
}

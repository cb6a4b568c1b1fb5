package pathsec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRepositoryPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"group/demo", "group/demo"},
		{"group/demo.git", "group/demo"},
		{"group//demo/", "group/demo"},
		{"./group/./demo", "group/demo"},
		{`group\demo`, "group/demo"},
		{"a/b/c/d", "a/b/c/d"},
		{"team-1/repo_2.name", "team-1/repo_2.name"},
	}
	for _, c := range cases {
		got, err := CleanRepositoryPath(c.in)
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestCleanRepositoryPathRejects(t *testing.T) {
	cases := []string{
		"",
		"../etc/passwd",
		"group/../../etc",
		"a/..",
		"/absolute/path",
		`\\unc\share`,
		"C:/windows",
		"c:evil",
		"group/%2e%2e/escape",
		"group/%252e%252e/escape",
		"group%2fdemo",
		"group%5cdemo",
		"bad\x00name",
		"bad\nname",
		".git",
		"group/.git",
		"spaced name/repo",
		"group/rêpo", // outside [A-Za-z0-9_./-]
	}
	for _, c := range cases {
		_, err := CleanRepositoryPath(c)
		assert.Error(t, err, "input %q", c)
	}
}

func TestValidateRefName(t *testing.T) {
	assert.True(t, ValidateRefName("HEAD"))
	assert.True(t, ValidateRefName("refs/heads/main"))
	assert.True(t, ValidateRefName("refs/tags/v1.0"))
	assert.False(t, ValidateRefName("main"))
	assert.False(t, ValidateRefName("refs/../x"))
	assert.False(t, ValidateRefName("refs/heads/.x"))
	assert.False(t, ValidateRefName("refs/heads/x..y"))
	assert.False(t, ValidateRefName("refs/heads/x y"))
	assert.False(t, ValidateRefName("refs/heads/x~y"))
	assert.False(t, ValidateRefName("refs/heads/x.lock"))
	assert.False(t, ValidateRefName("refs/heads/x/"))
	assert.False(t, ValidateRefName("refs/heads/x\x00y"))
}

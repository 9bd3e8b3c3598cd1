package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInjectedCommitWins(t *testing.T) {
	prevVersion, prevCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = prevVersion, prevCommit })

	Version, GitCommit = "v1.2.0", "abc1234"
	assert.Equal(t, "v1.2.0 (abc1234)", String())
	assert.True(t, strings.HasPrefix(Full(), "v1.2.0 (abc1234) built "))
}

func TestCommitFallback(t *testing.T) {
	prev := GitCommit
	t.Cleanup(func() { GitCommit = prev })

	GitCommit = ""
	assert.NotEmpty(t, GetInfo().GitCommit)
}

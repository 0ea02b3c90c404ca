package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "0123456", Info{CommitHash: "0123456789abcdef"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestUserAgentCarriesVersion(t *testing.T) {
	old, oldCommit := Version, CommitHash
	t.Cleanup(func() { Version, CommitHash = old, oldCommit })

	Version, CommitHash = "v0.4.0", "deadbeefcafe"
	assert.Equal(t, "raidpulse/v0.4.0 (+deadbee)", UserAgent())
	assert.Equal(t, "raidpulse v0.4.0 (commit deadbee, built unknown)", Get().String())
}

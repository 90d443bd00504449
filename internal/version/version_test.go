package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	v, sha, built := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = v, sha, built })

	assert.Equal(t, "sonarled dev (commit unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "1.2.0", "abc1234", "2024-05-01T12:00:00Z"
	assert.Equal(t, "sonarled 1.2.0 (commit abc1234, built 2024-05-01T12:00:00Z)", String())
}

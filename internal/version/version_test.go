package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuildInfo(t *testing.T, v, c, d string) {
	t.Helper()
	oldV, oldC, oldD := version, commit, date
	version, commit, date = v, c, d
	t.Cleanup(func() { version, commit, date = oldV, oldC, oldD })
}

func TestDefaults(t *testing.T) {
	v, c, d := Info()
	assert.NotEmpty(t, v)
	assert.NotEmpty(t, c)
	assert.NotEmpty(t, d)
	assert.Equal(t, v, GetVersion())
}

func TestLdflagsValues(t *testing.T) {
	withBuildInfo(t, "1.4.0", "abc123", "2026-10-01")

	assert.Equal(t, "paycoord version=1.4.0 commit=abc123 date=2026-10-01", String())
	assert.Equal(t, "paycoord/1.4.0", UserAgent())
}

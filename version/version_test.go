package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_String(t *testing.T) {
	i := Info{Version: "v1.2.0", CommitHash: "0123456789abcdef", BuildTime: "2026-03-07T14:05:09Z", Modified: true}
	assert.Equal(t, "ingest v1.2.0 (commit 0123456+dirty, built 2026-03-07T14:05:09Z)", i.String())
	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}

func TestGet_Fallbacks(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.CommitHash)
	assert.NotEmpty(t, info.BuildTime)
	assert.Contains(t, info.Platform, "/")
}

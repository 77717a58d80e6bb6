package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	// Given: the build version
	// Then: it is "dev" or a semantic version
	if Version == "dev" {
		return
	}
	assert.Regexp(t, regexp.MustCompile(`^v?\d+\.\d+\.\d+`), Version)
}

func TestString_ReturnsFormattedString(t *testing.T) {
	s := String()

	assert.Contains(t, s, "tonecapture")
	assert.Contains(t, s, Version)
	assert.Contains(t, s, "commit: "+Commit)
	assert.Contains(t, s, "go: "+GoVersion)
}

func TestShort_ReturnsVersion(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestGetInfo_IsJSONSerializable(t *testing.T) {
	// Given: build info
	info := GetInfo()

	// When: encoding it
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: every field is present under its JSON name
	var fields map[string]string
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, Version, fields["version"])
	assert.Equal(t, runtime.GOOS, fields["os"])
	assert.Equal(t, runtime.GOARCH, fields["arch"])
	for _, k := range []string{"commit", "date", "go_version"} {
		assert.Contains(t, fields, k)
	}
}

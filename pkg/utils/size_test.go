package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSize(t *testing.T) {
	size, err := ParseSize("50MB")
	assert.NoError(t, err)
	assert.Equal(t, int64(50_000_000), size)

	size, err = ParseSize("50MiB")
	assert.NoError(t, err)
	assert.Equal(t, int64(50*1024*1024), size)

	size, err = ParseSize("1024")
	assert.NoError(t, err)
	assert.Equal(t, int64(1024), size)

	size, err = ParseSize("0")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestHumanByteSize(t *testing.T) {
	assert.Equal(t, "512B", HumanByteSize(512))
	assert.Equal(t, "2KiB", HumanByteSize(2048))
	assert.Equal(t, "1.5MiB", HumanByteSize(3*512*1024))
}

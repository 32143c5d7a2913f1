package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Empty(t, MaskSecret(""))
	assert.Equal(t, "*****", MaskSecret("short"))
	assert.Equal(t, "eyJ0*****", MaskSecret("eyJ0eXAiOiJKV1QiLCJhbGciOi"))
}

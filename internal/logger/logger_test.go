package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", MaskToken("short"))
	assert.Equal(t, "****", MaskToken("  "))
	assert.Equal(t, "abcdefgh***", MaskToken(" abcdefghijkl "))
}

package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexKnownVector(t *testing.T) {
	// SHA-256("") per FIPS 180-4 test vectors.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hex(nil))
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Hex([]byte("hello")))
}

func TestHexMismatchDetection(t *testing.T) {
	a := Hex([]byte("hello"))
	b := Hex([]byte("hellp"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

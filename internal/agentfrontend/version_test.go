package agentfrontend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion_Valid(t *testing.T) {
	v, err := parseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, version{1, 2, 3}, v)
}

func TestParseVersion_WrongPartCount(t *testing.T) {
	_, err := parseVersion("1.2")
	assert.Error(t, err)
}

func TestParseVersion_NonNumeric(t *testing.T) {
	_, err := parseVersion("1.x.3")
	assert.Error(t, err)
}

func TestVersion_LessThan(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"0.0.1", "0.0.2", true},
		{"0.0.2", "0.0.2", false},
		{"0.1.0", "0.0.9", false},
		{"1.0.0", "0.9.9", false},
		{"0.9.9", "1.0.0", true},
	}
	for _, c := range cases {
		a, err := parseVersion(c.a)
		require.NoError(t, err)
		b, err := parseVersion(c.b)
		require.NoError(t, err)
		assert.Equal(t, c.want, a.lessThan(b), "%s < %s", c.a, c.b)
	}
}

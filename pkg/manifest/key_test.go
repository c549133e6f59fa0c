package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleKey = "35160751013233000402580010000000391000949083"

func TestParseKey(t *testing.T) {
	key, err := ParseKey(sampleKey)
	require.NoError(t, err)

	assert.Equal(t, "35", key.UF())
	assert.Equal(t, "51013233000402", key.CNPJ())
	assert.Equal(t, "001", key.Series())
	assert.Equal(t, "000000039", key.Number())
	assert.Equal(t, 2016, key.Year())
	assert.Equal(t, 7, key.Month())
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	_, err := ParseKey("123")
	assert.Error(t, err)

	_, err = ParseKey(strings.Repeat("9", 43) + "x")
	assert.Error(t, err)

	_, err = ParseKey("")
	assert.Error(t, err)
}

func TestParseEnvironment(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Environment
	}{
		{"production", Production},
		{"1", Production},
		{"staging", Staging},
		{"2", Staging},
	} {
		env, err := ParseEnvironment(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, env)
	}

	_, err := ParseEnvironment("sandbox")
	assert.Error(t, err)
}

func TestEnvironmentTPAmb(t *testing.T) {
	assert.Equal(t, "1", Production.TPAmb())
	assert.Equal(t, "2", Staging.TPAmb())
	assert.Equal(t, "production", Production.String())
	assert.Equal(t, "staging", Staging.String())
}

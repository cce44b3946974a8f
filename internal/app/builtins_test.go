package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruthy(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
		want  bool
	}{
		{"Nil", nil, false},
		{"True", true, true},
		{"False String", "false", false},
		{"Word", "yes please", true},
		{"Empty String", "", false},
		{"Zero", 0, false},
		{"Float", 0.5, true},
		{"Empty Map", map[string]interface{}{}, false},
		{"Slice", []string{"a"}, true},
		{"Struct", struct{}{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, truthy(tc.value))
		})
	}
}

func TestLooselyEqual(t *testing.T) {
	assert.True(t, looselyEqual(3, 3.0))
	assert.True(t, looselyEqual(int64(2), uint8(2)))
	assert.True(t, looselyEqual("full", "full"))
	assert.False(t, looselyEqual("3", 3))
	assert.True(t, looselyEqual([]interface{}{"a"}, []interface{}{"a"}))
}

func TestDecodeParamsDurations(t *testing.T) {
	var p purgeArgs
	require.NoError(t, decodeParams(map[string]interface{}{"older_than": 86400}, &p))
	assert.Equal(t, 24*time.Hour, p.OlderThan)

	require.NoError(t, decodeParams(map[string]interface{}{"older_than": "168h0m0s"}, &p))
	assert.Equal(t, 168*time.Hour, p.OlderThan)
}

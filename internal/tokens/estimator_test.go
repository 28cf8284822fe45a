package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEstimator_Method(t *testing.T) {
	assert.Equal(t, MethodSimple, NewEstimator("").Method())
	assert.Equal(t, MethodSimple, NewEstimator("bogus").Method())
	assert.Equal(t, MethodTiktoken, NewEstimator(" TikToken ").Method())
}

func TestSimpleEstimate(t *testing.T) {
	e := NewEstimator(MethodSimple)
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"ten words", "one two three four five six seven eight nine ten", 13},
		{"whitespace runs", "a \t\n b", 2},
		{"cjk", "帮我做一张产品图", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Estimate(tt.content))
		})
	}
}

func TestTiktokenEstimate(t *testing.T) {
	e := NewEstimator(MethodTiktoken)
	assert.Equal(t, 0, e.Estimate(""))
	n := e.Estimate("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
}

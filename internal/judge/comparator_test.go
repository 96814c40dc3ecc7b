package judge

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_TrailingWhitespaceAndBlankEdges(t *testing.T) {
	assert.Equal(t, "a\nb", Normalize("a  \nb\t\n\n"))
	assert.Equal(t, "a\nb", Normalize("\n\na\nb"))
	assert.Equal(t, "a\nb", Normalize("a\r\nb\r\n"))
}

func TestNormalize_PreservesInteriorBlankLines(t *testing.T) {
	assert.Equal(t, "a\n\nb", Normalize("a\n\nb\n"))
}

func TestNormalize_PreservesLeadingIndentation(t *testing.T) {
	assert.Equal(t, "  tree\n next", Normalize("  tree  \n next\n"))
}

func TestCompareOutputs(t *testing.T) {
	assert.True(t, CompareOutputs("42 \n", "42"))
	assert.False(t, CompareOutputs("42", "43"))
	assert.False(t, CompareOutputs("a b", "a  b"))
}

func TestCompareStructured_KeyOrderIrrelevant(t *testing.T) {
	assert.True(t, CompareStructured(`{"a":1,"b":[1,2]}`, `{"b":[1,2],"a":1}`))
	assert.False(t, CompareStructured(`{"a":1}`, `{"a":2}`))
	assert.False(t, CompareStructured(`[1,2]`, `[2,1]`))
}

func TestCompareStructured_FallsBackToStrings(t *testing.T) {
	// Non-JSON payloads degrade to plain comparison.
	assert.True(t, CompareStructured("hello", "hello"))
	assert.False(t, CompareStructured("hello", "world"))
}

func TestFloatsEqual(t *testing.T) {
	assert.True(t, FloatsEqual(1.0, 1.0+1e-9))
	assert.True(t, FloatsEqual(1e12, 1e12*(1+1e-7)))
	assert.False(t, FloatsEqual(1.0, 1.1))
	assert.True(t, FloatsEqual(math.NaN(), math.NaN()))
	assert.True(t, FloatsEqual(0, 0))
}

func TestCompareTolerant(t *testing.T) {
	assert.True(t, CompareTolerant("3.1415926 2", "3.14159265 2"))
	assert.False(t, CompareTolerant("3.15 2", "3.14 2"))
	// Non-numeric tokens must match exactly.
	assert.True(t, CompareTolerant("YES 1.0", "YES 1.0000001"))
	assert.False(t, CompareTolerant("YES", "NO"))
	assert.False(t, CompareTolerant("1 2", "1 2 3"))
}

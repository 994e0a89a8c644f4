package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntegerRadix(t *testing.T) {
	n, err := ParseInteger("0x10", -1<<62, 1<<62, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 16, n)
}

func TestParseIntegerRejectsGarbage(t *testing.T) {
	_, err := ParseInteger("12abc", 0, 100, 10)
	assert.Error(t, err)
}

func TestTimeIntervalRoundTrip(t *testing.T) {
	n, err := ParseTimeInterval("1d", 1<<40)
	require.NoError(t, err)
	assert.Equal(t, "1d", FormatTimeInterval(n))
}

func TestParseTimeOfDayMidnightNextDay(t *testing.T) {
	n, err := ParseTimeOfDay("24:00:00")
	require.NoError(t, err)
	assert.Equal(t, 86400, n)
}

func TestParseTimeOfDayRejectsOutOfRange(t *testing.T) {
	_, err := ParseTimeOfDay("24:01:00")
	assert.Error(t, err)
}

func TestBase64(t *testing.T) {
	assert.Equal(t, "", Base64(""))
	assert.Equal(t, "Zg==", Base64("f"))
	assert.Equal(t, "Zm9vYmFy", Base64("foobar"))
}

func TestNameLessNumericRuns(t *testing.T) {
	assert.True(t, NameLess("host2", "host10"))
	assert.False(t, NameLess("host10", "host2"))
	assert.True(t, NameLess("host02", "host10"))
	assert.False(t, NameLess("a", "a"))
}

func TestSplitQuotedAndComments(t *testing.T) {
	bits, err := Split(`foo "bar baz" qux # trailing`)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar baz", "qux"}, bits)
}

func TestSubstituteExpandsOnce(t *testing.T) {
	out, err := Substitute("prefix-${NAME}-suffix", func(name string) (string, bool) {
		if name == "NAME" {
			return "x", true
		}
		return "", false
	})
	require.NoError(t, err)
	assert.Equal(t, "prefix-x-suffix", out)
}

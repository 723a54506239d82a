package verify

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	i := NewIssuer(time.Hour)
	i.now = func() time.Time { return now }

	code, expiry, err := i.Issue()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
	assert.Equal(t, now.Add(time.Hour), expiry)
}

func TestIssueVaries(t *testing.T) {
	i := NewIssuer(time.Hour)
	seen := map[string]bool{}
	for n := 0; n < 20; n++ {
		code, _, err := i.Issue()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestCheck(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, Verified, Check("123456", now.Add(time.Minute), "123456", now))
	assert.Equal(t, Mismatch, Check("123456", now.Add(time.Minute), "654321", now))
	assert.Equal(t, Mismatch, Check("", now.Add(time.Minute), "", now))
	assert.Equal(t, Expired, Check("123456", now, "123456", now))
	assert.Equal(t, Expired, Check("123456", now.Add(-time.Second), "123456", now))
	assert.Equal(t, "expired", Expired.String())
}

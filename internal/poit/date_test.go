package poit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSwedishDateISO(t *testing.T) {
	t.Parallel()

	got, ok := ParseSwedishDate("2024-01-15")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC), got)
}

func TestParseSwedishDateShortForm(t *testing.T) {
	t.Parallel()

	got, ok := ParseSwedishDate("15 maj 2024")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, time.May, 15, 0, 0, 0, 0, time.UTC), got)
}

// TestParseSwedishDateFailureIsNotFatal verifies unparseable input reports
// ok=false instead of panicking or erroring; the caller keeps the raw string.
func TestParseSwedishDateFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "igår", "15 xyz 2024", "99 jan 2024"} {
		_, ok := ParseSwedishDate(input)
		require.False(t, ok, "input %q", input)
	}
}

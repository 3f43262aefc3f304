package poit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTruncateDetailShortTextUnchanged verifies text within both bounds
// passes through trimmed but otherwise intact.
func TestTruncateDetailShortTextUnchanged(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Konkursbeslut för Acme AB", TruncateDetail(" Konkursbeslut för Acme AB \n"))
}

// TestTruncateDetailWordLimit verifies the preview never exceeds 100 words
// and carries an ellipsis when cut.
func TestTruncateDetailWordLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ord ", 250)
	got := TruncateDetail(long)

	require.LessOrEqual(t, CountWords(strings.TrimSuffix(got, " ...")), DetailWordLimit)
	require.True(t, strings.HasSuffix(got, " ..."))
}

// TestTruncateDetailCharLimit verifies very long words still respect the
// character bound (plus the ellipsis suffix).
func TestTruncateDetailCharLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("abcdefghijklmnopqrstuvwxyz", 100)
	got := TruncateDetail(long)

	require.LessOrEqual(t, len(got), DetailCharLimit+len(" ..."))
	require.True(t, strings.HasSuffix(got, " ..."))
}

func TestExtractOrgNumber(t *testing.T) {
	t.Parallel()

	text := "Acme AB\nOrg.nr 556677-8899\nKonkursbeslut har meddelats."
	require.Equal(t, "556677-8899", ExtractOrgNumber(text))

	require.Equal(t, "556677-8899", ExtractOrgNumber("Organisationsnummer: 5566778899"))
	require.Empty(t, ExtractOrgNumber("ingen etikett här 5566778899"))
}

// TestFormatMarkdown verifies the first line becomes the title, label lines
// become headings, and bullet runs become lists.
func TestFormatMarkdown(t *testing.T) {
	t.Parallel()

	text := "Konkursbeslut\n\nStyrelse:\n- Anna Svensson\n- Per Nilsson\n\nTingsrätten beslutade om konkurs."
	got := FormatMarkdown(text)

	require.True(t, strings.HasPrefix(got, "# Konkursbeslut"))
	require.Contains(t, got, "## Styrelse")
	require.Contains(t, got, "- Anna Svensson")
	require.Contains(t, got, "Tingsrätten beslutade om konkurs.")
	require.NotContains(t, got, "\n\n\n")
}

func TestFormatMarkdownEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, FormatMarkdown(""))
}

package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"collapses runs", "a  b\t\tc", "a b c"},
		{"trims edges", "  hello world  ", "hello world"},
		{"newlines become spaces", "line one\nline two\r\nline three", "line one line two line three"},
		{"empty", "   \n\t ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestCap(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", Cap("short", 10))
	require.Equal(t, "exact", Cap("exact", 5))
	require.Equal(t, "abcde", Cap("abcdefgh", 5))

	// Runes, not bytes.
	require.Equal(t, "héllo", Cap("héllo wörld", 5))
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unchanged", Excerpt("unchanged", 20))

	got := Excerpt("the quick brown fox jumps over the lazy dog", 20)
	require.Equal(t, "the quick brown fox...", got, "cuts at a word boundary")

	noSpaces := Excerpt(strings.Repeat("x", 40), 20)
	require.Equal(t, strings.Repeat("x", 20)+"...", noSpaces)
}

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLineSplitterRetainsPartialLine(t *testing.T) {
	var s LineSplitter

	require.Empty(t, s.Feed([]byte("REA")))
	require.Equal(t, 3, s.Pending())

	lines := s.Feed([]byte("DY\nSTREAM_END:r1\n  hello  \n\ntail"))
	require.Equal(t, []string{"READY", "STREAM_END:r1", "hello", ""}, lines)
	require.Equal(t, 4, s.Pending())

	require.Equal(t, []string{"tail"}, s.Feed([]byte("\r\n")))
	require.Zero(t, s.Pending())
}

func TestLineSplitterNeverDeliversUnterminatedTail(t *testing.T) {
	var s LineSplitter
	require.Empty(t, s.Feed([]byte("no newline yet")))
	require.Empty(t, s.Feed(nil))
	require.Equal(t, []string{"no newline yet"}, s.Feed([]byte("\n")))
	require.Empty(t, s.Feed([]byte("\n"))[0])
}

func TestLineSplitterFragmentBoundaries(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOf(rapid.StringMatching(`[A-Za-z0-9:_ +/=]{0,24}`)).Draw(t, "lines")
		block := strings.Join(lines, "\n")
		if len(lines) > 0 {
			block += "\n"
		}

		var whole LineSplitter
		want := whole.Feed([]byte(block))

		var split LineSplitter
		var got []string
		rest := []byte(block)
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "fragment")
			got = append(got, split.Feed(rest[:n])...)
			rest = rest[n:]
		}

		require.Equal(t, want, got)
		require.Len(t, got, len(lines))
		require.Zero(t, split.Pending())
	})
}

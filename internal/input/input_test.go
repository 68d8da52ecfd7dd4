package input

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTokensSkipsComments(t *testing.T) {
	tokens, err := ReadTokens(strings.NewReader("3 5:2\n# scanned later\n\n  7  # coffee\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "5:2", "7"}, tokens)
}

func TestExpandArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.txt")
	require.NoError(t, os.WriteFile(path, []byte("8\n9:3\n"), 0644))

	got, err := ExpandArgs([]string{"1", "-", "@" + path, "2"}, strings.NewReader("4\n5:2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4", "5:2", "8", "9:3", "2"}, got)
}

func TestExpandArgsStdinOnce(t *testing.T) {
	_, err := ExpandArgs([]string{"-", "-"}, strings.NewReader("1"))
	assert.Error(t, err)
}

func TestExpandArgsMissingFile(t *testing.T) {
	_, err := ExpandArgs([]string{"@" + filepath.Join(t.TempDir(), "nope")}, nil)
	assert.Error(t, err)
}

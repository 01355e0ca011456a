package procrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFfprobe writes an executable shell script standing in for ffprobe: it
// ignores its arguments and always prints the given JSON body, letting
// Probe's parsing be exercised without a real media file or binary.
func fakeFfprobe(t *testing.T, stdout string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffprobe.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n" + stdout + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestProbe_ParsesDurationFromFfprobeJSON(t *testing.T) {
	r := New(nil, nil)
	path := fakeFfprobe(t, `{"format":{"duration":"1320.456000"}}`)

	duration, err := r.Probe(context.Background(), path, "/media/episode.mkv")
	require.NoError(t, err)
	assert.InDelta(t, 1320.456, duration, 0.001)
}

func TestProbe_ErrorsOnUnparsableOutput(t *testing.T) {
	r := New(nil, nil)
	path := fakeFfprobe(t, `not json`)

	_, err := r.Probe(context.Background(), path, "/media/episode.mkv")
	assert.Error(t, err)
}

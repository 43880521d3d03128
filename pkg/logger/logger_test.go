package logger

import (
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerToFile(t *testing.T) {
	tempFile, err := os.CreateTemp(os.TempDir(), "mp4stitch-logger-")
	require.NoError(t, err)
	defer os.Remove(tempFile.Name())
	tempFile.Close()

	l, err := New(Debug, []Destination{DestinationFile}, tempFile.Name(), "mp4stitch")
	require.NoError(t, err)
	defer l.Close()

	l.Log(Info, "testing %d", 123)
	l.Log(Warn, "testing %s", "string")

	byts, err := os.ReadFile(tempFile.Name())
	require.NoError(t, err)

	require.Regexp(t, regexp.MustCompile(
		`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} INF testing 123\n`+
			`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} WAR testing string\n$`),
		string(byts))
}

func TestLoggerLevelFilter(t *testing.T) {
	tempFile, err := os.CreateTemp(os.TempDir(), "mp4stitch-logger-")
	require.NoError(t, err)
	defer os.Remove(tempFile.Name())
	tempFile.Close()

	l, err := New(Warn, []Destination{DestinationFile}, tempFile.Name(), "mp4stitch")
	require.NoError(t, err)
	defer l.Close()

	l.Log(Debug, "hidden")
	l.Log(Info, "hidden")
	l.Log(Error, "visible")

	byts, err := os.ReadFile(tempFile.Name())
	require.NoError(t, err)

	require.NotContains(t, string(byts), "hidden")
	require.Contains(t, string(byts), "ERR visible")
}

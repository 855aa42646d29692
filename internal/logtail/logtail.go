// Package logtail reads the last lines of a log file for the dashboard's
// logs tab. Reads are bounded so a multi-gigabyte log cannot be pulled
// into memory by a browser refresh.
package logtail

import (
	"bytes"
	"io"
	"os"

	"github.com/hefzhail/botops/internal/xerrors"
)

// maxReadBytes caps how far back into the file a tail will look.
const maxReadBytes = 512 * 1024

// Tail returns up to n trailing lines of the file at path, oldest first.
// A missing file yields an empty slice, not an error, since the log file
// only exists once file logging is enabled.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(err, "logtail: open")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, xerrors.Wrap(err, "logtail: stat")
	}

	// Read only the trailing window of the file.
	offset := fi.Size() - maxReadBytes
	truncated := offset > 0
	if !truncated {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, xerrors.Wrap(err, "logtail: seek")
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, xerrors.Wrap(err, "logtail: read")
	}

	lines := splitLines(raw)
	if truncated && len(lines) > 0 {
		// The first line of a mid-file window is almost always partial.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func splitLines(raw []byte) []string {
	raw = bytes.TrimRight(raw, "\n")
	if len(raw) == 0 {
		return nil
	}
	parts := bytes.Split(raw, []byte("\n"))
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		lines = append(lines, string(bytes.TrimRight(p, "\r")))
	}
	return lines
}

package upload

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// status reports upload progress on the terminal. It is entirely
// optional: without a TTY every method is a no-op, and nothing in the
// upload path depends on it.
type status struct {
	bar *progressbar.ProgressBar
}

func newStatus(total int64, label string) *status {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	return &status{bar: progressbar.DefaultBytes(total, label)}
}

// Write lets a status sit behind an io.TeeReader to count streamed bytes.
func (s *status) Write(p []byte) (int, error) {
	s.add(len(p))
	return len(p), nil
}

func (s *status) add(n int) {
	if s == nil || s.bar == nil {
		return
	}
	_ = s.bar.Add(n)
}

func (s *status) done() {
	if s == nil || s.bar == nil {
		return
	}
	_ = s.bar.Finish()
}

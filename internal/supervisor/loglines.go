package supervisor

import (
	"bufio"
	"io"
)

const maxLineSize = 1024 * 1024

// Stream names for LogLine.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is one line of simulator output.
type LogLine struct {
	PID    int
	Stream string
	Text   string
}

// drain scans r line by line into the pipeline until EOF, a read error or
// shutdown. Read errors end the drain and are otherwise ignored.
func (s *Supervisor) drain(pid int, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := LogLine{PID: pid, Stream: stream, Text: scanner.Text()}
		select {
		case s.lines <- line:
		case <-s.quit:
			// keep consuming so the child never blocks on a full pipe
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

// sink consumes the pipeline and hands each line to the configured sink.
func (s *Supervisor) sink() {
	defer close(s.sinkDone)
	for {
		select {
		case line := <-s.lines:
			s.lineSink(line)
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) logLine(line LogLine) {
	ev := s.log.Info()
	if line.Stream == StreamStderr {
		ev = s.log.Warn()
	}
	ev.Int("pid", line.PID).Str("stream", line.Stream).Msg(line.Text)
}

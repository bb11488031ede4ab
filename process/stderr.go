package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const pumpErrorPrefix = "[stderr-pump-error]"

// Sink is the ordered list of lines captured from a child's stderr.
// The pump is its only writer. Readers get copies.
type Sink struct {
	mut   sync.Mutex
	lines []string
}

func (s *Sink) append(line string) {
	s.mut.Lock()
	s.lines = append(s.lines, line)
	s.mut.Unlock()
}

// Lines returns a copy of every line captured so far.
func (s *Sink) Lines() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]string(nil), s.lines...)
}

// Tail returns a copy of the last n lines.
func (s *Sink) Tail(n int) []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(s.lines) {
		n = len(s.lines)
	}
	return append([]string(nil), s.lines[len(s.lines)-n:]...)
}

func (s *Sink) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.lines)
}

func (p *Process) pumpStderr(r *os.File, mirror io.Writer) {
	defer close(p.pumpDone)
	defer r.Close()
	defer func() {
		if v := recover(); v != nil {
			p.stderr.append(fmt.Sprintf("%s %v", pumpErrorPrefix, v))
		}
	}()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			line = strings.ToValidUTF8(line, "�")
			p.stderr.append(line)
			if mirror != nil {
				_, _ = fmt.Fprintln(mirror, line)
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			p.stderr.append(fmt.Sprintf("%s %s", pumpErrorPrefix, err))
			p.log.Debugf("stderr pump: %s", err)
		}
		return
	}
}

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wolfman30/arch2code/internal/chat"
	"github.com/wolfman30/arch2code/internal/conversation"
)

// terminalSink prints only the part of each full-text update that has not
// been shown yet. When an update does not extend what was printed, as after
// a retried stream, it starts a fresh block.
type terminalSink struct {
	mu      sync.Mutex
	out     io.Writer
	printed string
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out}
}

func (s *terminalSink) Update(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(text, s.printed) {
		fmt.Fprint(s.out, text[len(s.printed):])
	} else {
		fmt.Fprint(s.out, "\n[retrying]\n", text)
	}
	s.printed = text
}

// finish ends the block with a newline if anything was printed.
func (s *terminalSink) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.printed != "" && !strings.HasSuffix(s.printed, "\n") {
		fmt.Fprintln(s.out)
	}
	s.printed = ""
}

// phaseSinks prints a header per phase and streams its text under it.
type phaseSinks struct {
	out     io.Writer
	quiet   bool
	current *terminalSink
}

func (p *phaseSinks) factory(phase chat.Phase) conversation.Sink {
	p.done()
	if p.quiet && phase == chat.PhaseExplain {
		return nil
	}
	fmt.Fprintf(p.out, "== %s ==\n", phase)
	p.current = newTerminalSink(p.out)
	return p.current
}

func (p *phaseSinks) done() {
	if p.current != nil {
		p.current.finish()
		p.current = nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/wolfman30/arch2code/internal/conversation"
)

const replHelp = `Type an instruction to change the generated code.
  /diagram <path>  explain and generate code for a diagram
  /code            print the current code
  /explain         print the cached explanation
  /history         list the conversation turns
  /save <path>     write the current code to a file
  /clear           start over with a new diagram
  /quit            exit`

var errQuit = errors.New("quit")

// linePrompter reads one line of input; liner.State satisfies it.
type linePrompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

type repl struct {
	sess *session
	out  io.Writer
}

func newREPL(sess *session, out io.Writer) *repl {
	return &repl{sess: sess, out: out}
}

func newLinePrompt() *liner.State {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	if f, err := os.Open(historyPath()); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return line
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "arch2code", "history")
}

func saveHistory(line *liner.State) {
	path := historyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}

func (r *repl) run(ctx context.Context, line linePrompter) error {
	defer func() {
		if st, ok := line.(*liner.State); ok {
			saveHistory(st)
		}
		line.Close()
	}()
	fmt.Fprintln(r.out, replHelp)

	for {
		input, err := line.Prompt("arch2code> ")
		if err != nil {
			// Ctrl+C, Ctrl+D and closed input all end the session.
			fmt.Fprintln(r.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := r.handle(ctx, input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) handle(ctx context.Context, input string) error {
	if !strings.HasPrefix(input, "/") {
		return r.submit(ctx, conversation.SubmitInput{Instruction: input})
	}
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/diagram":
		if arg == "" {
			return errors.New("usage: /diagram <path>")
		}
		return r.loadDiagram(ctx, arg)
	case "/clear":
		if err := r.sess.service.Clear(ctx, r.sess.id); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "cleared")
	case "/code", "/explain", "/history", "/save":
		conv, err := r.sess.service.Get(ctx, r.sess.id)
		if err != nil {
			return err
		}
		switch cmd {
		case "/code":
			fmt.Fprintln(r.out, orPlaceholder(conv.Code, "(no code yet)"))
		case "/explain":
			fmt.Fprintln(r.out, orPlaceholder(conv.Explanation, "(no explanation yet)"))
		case "/history":
			for i, msg := range conv.History() {
				fmt.Fprintf(r.out, "%d. %s: %s\n", i+1, msg.Role, firstLine(msg.FirstText()))
			}
		case "/save":
			if arg == "" {
				return errors.New("usage: /save <path>")
			}
			if conv.Code == "" {
				return errors.New("no code to save")
			}
			if err := os.WriteFile(arg, []byte(conv.Code), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(r.out, "wrote %s\n", arg)
		}
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

func (r *repl) loadDiagram(ctx context.Context, path string) error {
	img, err := readDiagram(path)
	if err != nil {
		return err
	}
	return r.submit(ctx, conversation.SubmitInput{Image: &img})
}

func (r *repl) submit(ctx context.Context, in conversation.SubmitInput) error {
	sinks := &phaseSinks{out: r.out}
	_, err := r.sess.service.Submit(ctx, r.sess.id, r.sess.cfg, in, sinks.factory)
	sinks.done()
	return err
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

func firstLine(s string) string {
	const width = 80
	line, _, cut := strings.Cut(s, "\n")
	if runes := []rune(line); len(runes) > width {
		return string(runes[:width]) + "..."
	}
	if cut {
		return line + "..."
	}
	return line
}

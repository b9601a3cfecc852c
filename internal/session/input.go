package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Source captures one payload on the leader.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Capture(ctx context.Context) ([]byte, error) { return f(ctx) }

// FileSource reads a whole file.
type FileSource struct{ Path string }

func (f FileSource) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}
	return data, nil
}

// TextSource returns fixed text.
type TextSource struct{ Text string }

func (t TextSource) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(t.Text), nil
}

// ReaderSource reads until EOF, typically stdin.
type ReaderSource struct{ R io.Reader }

func (r ReaderSource) Capture(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r.R)
		ch <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("read payload: %w", res.err)
		}
		return res.data, nil
	}
}

// LineSource yields one prompt per call in chat mode. io.EOF ends the session.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

// LineReader reads newline-terminated prompts, printing Prompt before each.
// Reads happen on a background goroutine so a pending read can be abandoned
// when ctx is done; Close releases it.
type LineReader struct {
	Prompt string
	out    io.Writer
	in     io.Reader

	once  sync.Once
	lines chan lineResult
	done  chan struct{}
}

type lineResult struct {
	line string
	err  error
}

// NewLineReader reads from in and writes prompts to out (which may be nil).
func NewLineReader(in io.Reader, out io.Writer, prompt string) *LineReader {
	return &LineReader{Prompt: prompt, in: in, out: out, done: make(chan struct{})}
}

func (l *LineReader) start() {
	l.lines = make(chan lineResult)
	go func() {
		defer close(l.lines)
		sc := bufio.NewScanner(l.in)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			select {
			case l.lines <- lineResult{line: sc.Text()}:
			case <-l.done:
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		select {
		case l.lines <- lineResult{err: err}:
		case <-l.done:
		}
	}()
}

func (l *LineReader) ReadLine(ctx context.Context) (string, error) {
	l.once.Do(l.start)
	if l.out != nil && l.Prompt != "" {
		fmt.Fprint(l.out, l.Prompt)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-l.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimRight(res.line, "\r"), res.err
	}
}

// Close stops the background reader once its current read returns.
func (l *LineReader) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

// ErrNoSource is returned when the leader has no input configured.
var ErrNoSource = errors.New("no input source")

package log

import (
	"fmt"
	"io"
	"os"
)

type MultiWriter struct {
	writers []io.Writer
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		_, e := w.Write(p)
		if e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func (m *MultiWriter) Len() int {
	return len(m.writers)
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

// buildWriter turns the appender list into one writer. An empty list means console.
func buildWriter(appenders []AppenderConfig) (*MultiWriter, error) {
	mw := NewMultiWriter()
	for _, a := range appenders {
		switch a.Type {
		case "console", "stdout":
			mw.Add(os.Stdout)
		case "stderr":
			mw.Add(os.Stderr)
		case "file":
			opt, err := decodeFileOptions(a.Options)
			if err != nil {
				return nil, err
			}
			mw.AddFileAppender(opt)
		default:
			return nil, fmt.Errorf("unknown appender type %q", a.Type)
		}
	}
	if mw.Len() == 0 {
		mw.Add(os.Stdout)
	}
	return mw, nil
}

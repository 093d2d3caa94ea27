package wire

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Writer writes varint length-prefixed records.
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter creates a Writer on w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	msg, err := Marshal(r)
	if err != nil {
		return err
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(msg)+protowire.SizeVarint(uint64(len(msg)))), uint64(len(msg)))
	buf = append(buf, msg...)
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.count }

// Flush flushes buffered records.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader reads records written by Writer.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Record, error) {
	var lenBuf []byte
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(lenBuf) > 0 {
				return Record{}, io.ErrUnexpectedEOF
			}
			return Record{}, err
		}
		lenBuf = append(lenBuf, c)
		if c < 0x80 {
			break
		}
		if len(lenBuf) >= binaryMaxVarintLen {
			return Record{}, fmt.Errorf("%w: length prefix", ErrMalformed)
		}
	}
	size, n := protowire.ConsumeVarint(lenBuf)
	if n < 0 {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r.r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Unmarshal(msg)
}

const binaryMaxVarintLen = 10

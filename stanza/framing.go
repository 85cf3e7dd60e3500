// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/absmach/mmx/internal/bufpool"
)

// Writer writes newline-delimited frames. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes s and flushes it.
func (fw *Writer) Write(s *Stanza) error {
	if err := s.Validate(); err != nil {
		return err
	}
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	// Encode terminates the frame with '\n'.
	if err := json.NewEncoder(buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode stanza: %w", err)
	}
	if buf.Len() > MaxFrameSize+1 {
		return ErrFrameTooLarge
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return fw.w.Flush()
}

// Reader reads newline-delimited frames.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize+1)
	return &Reader{sc: sc}
}

// Read returns the next stanza. Blank lines are skipped. A malformed line
// yields a *MalformedError and the next Read continues after it.
func (fr *Reader) Read() (*Stanza, error) {
	for fr.sc.Scan() {
		line := fr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := fr.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

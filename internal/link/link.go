// Package link carries newline-delimited protocol lines between the host and
// the loop over a serial port or the process's standard streams.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/protocol"
)

// Stdio selects stdin/stdout instead of a serial device.
const Stdio = "stdio"

// MaxLine is the longest accepted inbound line. Longer lines are dropped.
const MaxLine = 512

// Link is one host byte stream. Reads happen on a single goroutine via
// ReadLines; Send may be called from any goroutine.
type Link struct {
	name string
	r    io.Reader
	c    io.Closer
	log  *zap.Logger

	mu sync.Mutex
	w  io.Writer
}

// Open opens the configured host link.
func Open(cfg config.LinkConfig, log *zap.Logger) (*Link, error) {
	if cfg.Port == Stdio {
		return New(Stdio, os.Stdin, os.Stdout, nil, log), nil
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: cfg.Port,
		Baud: cfg.Baud,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	logger.OrNop(log).Info("host link open", zap.String("port", cfg.Port), zap.Int("baud", cfg.Baud))
	return New(cfg.Port, port, port, port, log), nil
}

// New wraps an arbitrary stream. c is closed by Close and may be nil.
func New(name string, r io.Reader, w io.Writer, c io.Closer, log *zap.Logger) *Link {
	return &Link{
		name: name,
		r:    r,
		w:    w,
		c:    c,
		log:  logger.OrNop(log).With(zap.String("link", name)),
	}
}

// ReadLines reads until EOF, a read error or ctx is done, sending every
// non-empty trimmed line to out. EOF returns nil.
func (l *Link) ReadLines(ctx context.Context, out chan<- string) error {
	br := bufio.NewReaderSize(l.r, MaxLine)
	for {
		line, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", l.name, err)
		}
		if isPrefix {
			for isPrefix && err == nil {
				_, isPrefix, err = br.ReadLine()
			}
			l.log.Warn("inbound line too long, dropped", zap.Int("max", MaxLine))
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", l.name, err)
			}
			continue
		}

		s := strings.TrimSpace(string(line))
		if s == "" {
			continue
		}
		select {
		case out <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes each message as one line. A message that cannot be encoded is
// logged and skipped; a write failure aborts the batch.
func (l *Link) Send(msgs ...protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		b, err := protocol.Encode(m)
		if err != nil {
			l.log.Error("encode outbound message", zap.Error(err))
			continue
		}
		if _, err := l.w.Write(b); err != nil {
			return fmt.Errorf("write %s: %w", l.name, err)
		}
	}
	return nil
}

// Name returns the port name.
func (l *Link) Name() string { return l.name }

// Close closes the underlying stream, which unblocks ReadLines.
func (l *Link) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

// Package pairing implements the wired link between the primary and backup units.
//
// Frames are single text lines: "HB <unix>" for a liveness pulse and
// "TAMPER <kind> <unix>" when the primary detects tampering.
package pairing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

var (
	ErrBadFrame = errors.New("bad paired link frame")
	ErrClosed   = errors.New("paired link closed")
)

// FrameKind distinguishes pulses from tamper notices.
type FrameKind string

const (
	FramePulse  FrameKind = "HB"
	FrameTamper FrameKind = "TAMPER"
)

// Frame is one message on the paired link.
type Frame struct {
	Kind   FrameKind
	Tamper constants.TamperKind
	At     time.Time
}

// Link is a bidirectional paired link.
type Link interface {
	Send(ctx context.Context, f Frame) error
	Frames() <-chan Frame
	Close() error
}

// Encode renders a frame as a line without the trailing newline.
func Encode(f Frame) (string, error) {
	ts := strconv.FormatInt(f.At.Unix(), 10)
	switch f.Kind {
	case FramePulse:
		return string(FramePulse) + " " + ts, nil
	case FrameTamper:
		if f.Tamper == "" {
			return "", fmt.Errorf("%w: tamper frame without kind", ErrBadFrame)
		}
		return string(FrameTamper) + " " + string(f.Tamper) + " " + ts, nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrBadFrame, f.Kind)
}

// Parse reads a frame from a line.
func Parse(line string) (Frame, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Frame{}, fmt.Errorf("%w: empty line", ErrBadFrame)
	}

	var f Frame
	var tsField string
	switch FrameKind(fields[0]) {
	case FramePulse:
		if len(fields) != 2 {
			return Frame{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
		}
		f.Kind, tsField = FramePulse, fields[1]
	case FrameTamper:
		if len(fields) != 3 {
			return Frame{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
		}
		f.Kind, f.Tamper, tsField = FrameTamper, constants.TamperKind(fields[1]), fields[2]
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
	}

	sec, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: timestamp %q", ErrBadFrame, tsField)
	}
	f.At = time.Unix(sec, 0).UTC()
	return f, nil
}

// StreamLink runs the line protocol over any byte stream.
type StreamLink struct {
	rw     io.ReadWriteCloser
	frames chan Frame
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSerial opens the paired link on a serial device.
func OpenSerial(device string, baudRate int, logger zerolog.Logger) (*StreamLink, error) {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open paired link %s: %w", device, err)
	}
	return NewStreamLink(port, logger), nil
}

// NewStreamLink starts reading frames from rw.
func NewStreamLink(rw io.ReadWriteCloser, logger zerolog.Logger) *StreamLink {
	l := &StreamLink{
		rw:     rw,
		frames: make(chan Frame, 16),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *StreamLink) readLoop() {
	defer close(l.frames)

	scanner := bufio.NewScanner(l.rw)
	for scanner.Scan() {
		f, err := Parse(scanner.Text())
		if err != nil {
			l.logger.Warn().Err(err).Msg("Dropping unreadable paired link frame")
			continue
		}
		select {
		case l.frames <- f:
		case <-l.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Error().Err(err).Msg("Paired link read failed")
	}
}

// Send writes a frame to the peer.
func (l *StreamLink) Send(ctx context.Context, f Frame) error {
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	line, err := Encode(f)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err = io.WriteString(l.rw, line+"\n")
	return err
}

// Frames delivers frames received from the peer; it is closed when the link ends.
func (l *StreamLink) Frames() <-chan Frame {
	return l.frames
}

// Close shuts the link down.
func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.rw.Close()
	})
	return err
}

package modem

import (
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
)

const ctrlZ = "\x1a"

var (
	ErrTimeout       = errors.New("modem response timeout")
	ErrCommandFailed = errors.New("modem command failed")
)

// Message is an SMS read from the modem inbox.
type Message struct {
	Index  int
	Sender string
	Body   string
}

// Modem is a GSM modem able to send and receive text messages.
type Modem interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	SendSMS(ctx context.Context, number, body string) error
	ReadInbox(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, index int) error
	Close() error
}

// ATModem drives a modem with Hayes AT commands in text mode.
type ATModem struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	logger  zerolog.Logger
	mu      sync.Mutex
}

// Open connects to a modem on a serial port and switches it to SMS text mode.
func Open(ctx context.Context, device string, baudRate int, timeout time.Duration, logger zerolog.Logger) (*ATModem, error) {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baudRate, ReadTimeout: 500 * time.Millisecond})
	if err != nil {
		return nil, fmt.Errorf("failed to open modem port %s: %w", device, err)
	}
	m := New(port, timeout, logger)
	if err := m.init(ctx); err != nil {
		port.Close()
		return nil, err
	}
	return m, nil
}

// New wraps an already open port.
func New(port io.ReadWriteCloser, timeout time.Duration, logger zerolog.Logger) *ATModem {
	return &ATModem{port: port, timeout: timeout, logger: logger}
}

func (m *ATModem) init(ctx context.Context) error {
	for _, cmd := range []string{"AT", "ATE0", "AT+CMGF=1"} {
		if _, err := m.command(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// PowerOn leaves slow-clock mode and enables full radio functionality.
func (m *ATModem) PowerOn(ctx context.Context) error {
	for _, cmd := range []string{"AT+CSCLK=0", "AT+CFUN=1"} {
		if _, err := m.command(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// PowerOff drops to slow-clock sleep. The module stays registered so incoming
// SMS, including wake directives, are still received.
func (m *ATModem) PowerOff(ctx context.Context) error {
	_, err := m.command(ctx, "AT+CSCLK=1")
	return err
}

// SendSMS sends body to number.
func (m *ATModem) SendSMS(ctx context.Context, number, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(fmt.Sprintf("AT+CMGS=%q\r", number)); err != nil {
		return err
	}
	if _, err := m.readUntil(ctx, func(line string) bool { return line == ">" }); err != nil {
		return err
	}
	if err := m.write(body + ctrlZ); err != nil {
		return err
	}
	if _, err := m.readUntil(ctx, isOK); err != nil {
		return err
	}

	m.logger.Debug().Str("to", number).Int("length", len(body)).Msg("SMS sent")
	return nil
}

// ReadInbox lists every stored message.
func (m *ATModem) ReadInbox(ctx context.Context) ([]Message, error) {
	lines, err := m.command(ctx, `AT+CMGL="ALL"`)
	if err != nil {
		return nil, err
	}
	return parseCMGL(lines), nil
}

// Delete removes a message from modem storage.
func (m *ATModem) Delete(ctx context.Context, index int) error {
	_, err := m.command(ctx, "AT+CMGD="+strconv.Itoa(index))
	return err
}

// Close releases the serial port.
func (m *ATModem) Close() error {
	return m.port.Close()
}

func (m *ATModem) command(ctx context.Context, cmd string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(cmd + "\r"); err != nil {
		return nil, err
	}
	lines, err := m.readUntil(ctx, isOK)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return lines, nil
}

func (m *ATModem) write(s string) error {
	if _, err := io.WriteString(m.port, s); err != nil {
		return fmt.Errorf("failed to write to modem: %w", err)
	}
	return nil
}

// readUntil collects response lines until match accepts one or the modem reports an error.
func (m *ATModem) readUntil(ctx context.Context, match func(line string) bool) ([]string, error) {
	deadline := time.Now().Add(m.timeout)
	buf := make([]byte, 256)
	var lines []string
	pending := ""

	for {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		if time.Now().After(deadline) {
			return lines, ErrTimeout
		}

		n, err := m.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return lines, fmt.Errorf("failed to read from modem: %w", err)
		}
		if n == 0 {
			if errors.Is(err, io.EOF) {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		pending += string(buf[:n])

		for {
			i := strings.IndexAny(pending, "\r\n")
			if i < 0 {
				break
			}
			line := strings.TrimSpace(pending[:i])
			pending = pending[i+1:]
			if line == "" {
				continue
			}
			if isError(line) {
				return lines, fmt.Errorf("%w: %s", ErrCommandFailed, line)
			}
			lines = append(lines, line)
			if match(line) {
				return lines, nil
			}
		}
		// The send prompt is not newline terminated.
		if strings.TrimSpace(pending) == ">" {
			pending = ""
			lines = append(lines, ">")
			if match(">") {
				return lines, nil
			}
		}
	}
}

func isOK(line string) bool { return line == "OK" }

func isError(line string) bool {
	return line == "ERROR" || strings.HasPrefix(line, "+CMS ERROR") || strings.HasPrefix(line, "+CME ERROR")
}

// parseCMGL turns +CMGL header/body line pairs into messages.
func parseCMGL(lines []string) []Message {
	var out []Message
	for i := 0; i < len(lines); i++ {
		header, ok := strings.CutPrefix(lines[i], "+CMGL:")
		if !ok || i+1 >= len(lines) {
			continue
		}
		fields := strings.Split(strings.TrimSpace(header), ",")
		if len(fields) < 3 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		i++
		out = append(out, Message{
			Index:  index,
			Sender: strings.Trim(fields[2], `"`),
			Body:   lines[i],
		})
	}
	return out
}

// Package smscodec packs telemetry and backup directives into SMS-sized frames.
//
// A frame is a fixed-layout big-endian record sealed with the device's AES-GCM key
// and carried as "<device_id>:<base64>" so the receiver can pick the right key
// before decrypting. Coordinates are scaled by 1e7, speed (km/h) and heading
// (degrees) by 10.
package smscodec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
)

const (
	Version = 1

	pointFrameLen     = 23
	directiveFrameLen = 14
	coordScale        = 1e7
	tenths            = 10
	fullCircle        = 360 * tenths
)

// Kind identifies the frame layout.
type Kind uint8

const (
	KindPoint    Kind = 1
	KindWake     Kind = 2
	KindRecovery Kind = 3
)

var (
	ErrMalformed          = errors.New("malformed sms frame")
	ErrUnsupportedVersion = errors.New("unsupported sms frame version")
	ErrOutOfRange         = errors.New("value does not fit sms frame")
)

// Sealer is the subset of the encryption manager the codec needs.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(ciphertext, additionalData []byte) ([]byte, error)
}

var eventCodes = []constants.PointEvent{
	constants.PointEventNone,
	constants.PointEventGeofenceBreach,
	constants.PointEventCrash,
	constants.PointEventTamper,
	constants.PointEventPowerLoss,
}

// Frame is a decoded SMS frame; exactly one of Point or Directive is set.
type Frame struct {
	Kind      Kind
	Point     *PointFrame
	Directive *DirectiveFrame
}

// PointFrame is the coordinates-only payload sent over SMS.
type PointFrame struct {
	Sequence  uint32
	Timestamp time.Time
	Lat       float64
	Lng       float64
	Speed     float64
	Heading   float64
	Role      constants.Role
	Event     constants.PointEvent
}

// ToPoint expands the frame into a telemetry point for the given device.
func (f PointFrame) ToPoint(vehicleID, deviceID string) models.TelemetryPoint {
	return models.TelemetryPoint{
		VehicleID:      vehicleID,
		DeviceID:       deviceID,
		SourceDevice:   f.Role,
		Timestamp:      f.Timestamp,
		SequenceNumber: uint64(f.Sequence),
		Lat:            f.Lat,
		Lng:            f.Lng,
		Speed:          f.Speed,
		Heading:        f.Heading,
		Channel:        constants.ChannelSMS,
		Event:          f.Event,
	}
}

// DirectiveFrame is a server command to a backup unit. Counter must strictly
// increase across directives accepted by a device.
type DirectiveFrame struct {
	Kind     constants.DirectiveKind
	Counter  uint64
	IssuedAt time.Time
}

// EncodePoint packs a telemetry point into a plaintext frame.
func EncodePoint(p models.TelemetryPoint) ([]byte, error) {
	if p.SequenceNumber > math.MaxUint32 {
		return nil, fmt.Errorf("%w: sequence %d", ErrOutOfRange, p.SequenceNumber)
	}
	ts := p.Timestamp.Unix()
	if ts < 0 || ts > math.MaxUint32 {
		return nil, fmt.Errorf("%w: timestamp %v", ErrOutOfRange, p.Timestamp)
	}
	speed := math.Round(p.Speed * tenths)
	if speed < 0 || speed > math.MaxUint16 {
		return nil, fmt.Errorf("%w: speed %f", ErrOutOfRange, p.Speed)
	}
	heading := math.Round(p.Heading * tenths)
	if heading < 0 || heading > math.MaxUint16 {
		return nil, fmt.Errorf("%w: heading %f", ErrOutOfRange, p.Heading)
	}
	// 359.95 and up rounds to a full circle.
	heading = math.Mod(heading, fullCircle)
	code, ok := eventCode(p.Event)
	if !ok {
		return nil, fmt.Errorf("%w: event %q", ErrOutOfRange, p.Event)
	}

	var flags uint8
	if p.SourceDevice == constants.RoleBackup {
		flags |= 1
	}
	flags |= code << 1

	buf := make([]byte, pointFrameLen)
	buf[0] = Version
	buf[1] = byte(KindPoint)
	binary.BigEndian.PutUint32(buf[2:6], uint32(p.SequenceNumber))
	binary.BigEndian.PutUint32(buf[6:10], uint32(ts))
	binary.BigEndian.PutUint32(buf[10:14], uint32(int32(math.Round(p.Lat*coordScale))))
	binary.BigEndian.PutUint32(buf[14:18], uint32(int32(math.Round(p.Lng*coordScale))))
	binary.BigEndian.PutUint16(buf[18:20], uint16(speed))
	binary.BigEndian.PutUint16(buf[20:22], uint16(heading))
	buf[22] = flags
	return buf, nil
}

// EncodeDirective packs a wake or recovery directive.
func EncodeDirective(d DirectiveFrame) ([]byte, error) {
	var kind Kind
	switch d.Kind {
	case constants.DirectiveWake:
		kind = KindWake
	case constants.DirectiveRecovery:
		kind = KindRecovery
	default:
		return nil, fmt.Errorf("%w: directive %q", ErrOutOfRange, d.Kind)
	}
	ts := d.IssuedAt.Unix()
	if ts < 0 || ts > math.MaxUint32 {
		return nil, fmt.Errorf("%w: issued_at %v", ErrOutOfRange, d.IssuedAt)
	}

	buf := make([]byte, directiveFrameLen)
	buf[0] = Version
	buf[1] = byte(kind)
	binary.BigEndian.PutUint64(buf[2:10], d.Counter)
	binary.BigEndian.PutUint32(buf[10:14], uint32(ts))
	return buf, nil
}

// Decode parses a plaintext frame.
func Decode(data []byte) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	kind := Kind(data[1])
	switch kind {
	case KindPoint:
		if len(data) != pointFrameLen {
			return Frame{}, fmt.Errorf("%w: point frame has %d bytes", ErrMalformed, len(data))
		}
		flags := data[22]
		code := int(flags >> 1)
		if code >= len(eventCodes) {
			return Frame{}, fmt.Errorf("%w: event code %d", ErrMalformed, code)
		}
		role := constants.RolePrimary
		if flags&1 == 1 {
			role = constants.RoleBackup
		}
		return Frame{Kind: kind, Point: &PointFrame{
			Sequence:  binary.BigEndian.Uint32(data[2:6]),
			Timestamp: time.Unix(int64(binary.BigEndian.Uint32(data[6:10])), 0).UTC(),
			Lat:       float64(int32(binary.BigEndian.Uint32(data[10:14]))) / coordScale,
			Lng:       float64(int32(binary.BigEndian.Uint32(data[14:18]))) / coordScale,
			Speed:     float64(binary.BigEndian.Uint16(data[18:20])) / tenths,
			Heading:   float64(binary.BigEndian.Uint16(data[20:22])%fullCircle) / tenths,
			Role:      role,
			Event:     eventCodes[code],
		}}, nil

	case KindWake, KindRecovery:
		if len(data) != directiveFrameLen {
			return Frame{}, fmt.Errorf("%w: directive frame has %d bytes", ErrMalformed, len(data))
		}
		dk := constants.DirectiveWake
		if kind == KindRecovery {
			dk = constants.DirectiveRecovery
		}
		return Frame{Kind: kind, Directive: &DirectiveFrame{
			Kind:     dk,
			Counter:  binary.BigEndian.Uint64(data[2:10]),
			IssuedAt: time.Unix(int64(binary.BigEndian.Uint32(data[10:14])), 0).UTC(),
		}}, nil
	}
	return Frame{}, fmt.Errorf("%w: kind %d", ErrMalformed, kind)
}

// Wrap seals a plaintext frame for deviceID and renders the SMS body.
func Wrap(deviceID string, plaintext []byte, sealer Sealer) (string, error) {
	if deviceID == "" || strings.Contains(deviceID, ":") {
		return "", fmt.Errorf("%w: device id %q", ErrMalformed, deviceID)
	}
	sealed, err := sealer.Seal(plaintext, []byte(deviceID))
	if err != nil {
		return "", err
	}
	return deviceID + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Split separates the device id from the sealed payload of an SMS body.
func Split(body string) (string, []byte, error) {
	deviceID, payload, ok := strings.Cut(strings.TrimSpace(body), ":")
	if !ok || deviceID == "" || payload == "" {
		return "", nil, fmt.Errorf("%w: missing device prefix", ErrMalformed)
	}
	sealed, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return deviceID, sealed, nil
}

// Unwrap opens and decodes the sealed payload of deviceID.
func Unwrap(deviceID string, sealed []byte, sealer Sealer) (Frame, error) {
	plaintext, err := sealer.Open(sealed, []byte(deviceID))
	if err != nil {
		return Frame{}, err
	}
	return Decode(plaintext)
}

func eventCode(e constants.PointEvent) (uint8, bool) {
	for i, known := range eventCodes {
		if known == e {
			return uint8(i), true
		}
	}
	return 0, false
}

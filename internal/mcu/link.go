package mcu

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// #region handler

// Handler consumes one decoded inbound message.
type Handler func(msg InboundMessage)

// Registrar is the handler-registration surface of the link. Ingress wiring
// depends on this rather than on the concrete Link.
type Registrar interface {
	SetHandler(messageType string, h Handler)
}

// #endregion handler

// #region link-struct

// Link speaks the newline-delimited JSON message contract with the MCU over
// an injected stream. Byte-level framing below the stream (serial settings,
// USB re-enumeration) is the dialer's concern.
type Link struct {
	dial func() (io.ReadWriteCloser, error)

	writeMu sync.Mutex
	stream  io.ReadWriteCloser

	mu       sync.Mutex
	handlers map[string]Handler
	lastSeen time.Time

	now func() time.Time
}

// #endregion link-struct

// #region constructor

// NewLink dials the MCU stream once. A dial failure here is fatal to the
// caller: the appliance cannot actuate anything without the MCU channel.
func NewLink(dial func() (io.ReadWriteCloser, error)) (*Link, error) {
	stream, err := dial()
	if err != nil {
		return nil, fmt.Errorf("dial mcu: %w", err)
	}
	return &Link{
		dial:     dial,
		stream:   stream,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}, nil
}

// NewLinkWithStream creates a Link over an already-open stream.
// Used for testing without a real device.
func NewLinkWithStream(stream io.ReadWriteCloser) *Link {
	return &Link{
		dial:     func() (io.ReadWriteCloser, error) { return stream, nil },
		stream:   stream,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// #endregion constructor

// #region handlers

// SetHandler registers the handler for one inbound message type.
// Registration happens once during wiring, before Start.
func (l *Link) SetHandler(messageType string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[messageType] = h
}

// #endregion handlers

// #region start

// Start reads inbound messages until the context is cancelled or the stream
// fails. Malformed lines are logged and skipped; handler panics are recovered
// so a bad message can never take down the read loop.
func (l *Link) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(l.currentStream())
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg InboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("[MCU] dropping malformed message: %v", err)
			continue
		}

		if msg.MessageType == TypeHeartbeat {
			l.mu.Lock()
			l.lastSeen = l.now()
			l.mu.Unlock()
		}

		l.dispatch(msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcu read: %w", err)
	}
	return nil
}

func (l *Link) dispatch(msg InboundMessage) {
	l.mu.Lock()
	h := l.handlers[msg.MessageType]
	l.mu.Unlock()

	if h == nil {
		log.Printf("[MCU] no handler for message type %q", msg.MessageType)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[MCU] handler panic for %q: %v", msg.MessageType, r)
		}
	}()
	h(msg)
}

// #endregion start

// #region send

// Send writes one message as a JSON line. Safe for concurrent callers.
func (l *Link) Send(msg OutboundMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = l.now().UnixMilli()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stream.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("mcu write: %w", err)
	}
	return nil
}

// #endregion send

// #region liveness

// LastHeartbeat reports when the MCU last sent a heartbeat message.
// The zero time means no heartbeat has been seen yet.
func (l *Link) LastHeartbeat() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// Reconnect closes the current stream and redials. The read loop must be
// restarted by the caller after a successful reconnect.
func (l *Link) Reconnect() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.stream.Close()
	stream, err := l.dial()
	if err != nil {
		return fmt.Errorf("redial mcu: %w", err)
	}
	l.stream = stream
	return nil
}

// Close shuts down the underlying stream.
func (l *Link) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.stream.Close()
}

func (l *Link) currentStream() io.ReadWriteCloser {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.stream
}

// #endregion liveness

// #region decode-helpers

// DecodeSensorData unmarshals a sensor_data payload.
func DecodeSensorData(msg InboundMessage) (SensorSnapshot, error) {
	var snap SensorSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return SensorSnapshot{}, fmt.Errorf("decode sensor_data: %w", err)
	}
	return snap, nil
}

// DecodeErrorReport unmarshals an error_report payload.
func DecodeErrorReport(msg InboundMessage) (ErrorReport, error) {
	var rep ErrorReport
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return ErrorReport{}, fmt.Errorf("decode error_report: %w", err)
	}
	return rep, nil
}

// DecodeHeartbeat unmarshals a heartbeat payload.
func DecodeHeartbeat(msg InboundMessage) (HeartbeatPayload, error) {
	var hb HeartbeatPayload
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		return HeartbeatPayload{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return hb, nil
}

// #endregion decode-helpers

package transport

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
)

// Config carries the dialer timeouts.
type Config struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
}

// DefaultConfig returns the standard transport timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    30 * time.Second,
	}
}

// Sender delivers envelopes over direct TCP. A failed send records a
// counter and returns; retry is a higher-layer concern.
type Sender struct {
	cfg      Config
	resolver PeerResolver

	failures atomic.Uint64
}

// NewSender creates a sender resolving peers through the given
// resolver.
func NewSender(cfg Config, resolver PeerResolver) *Sender {
	return &Sender{cfg: cfg, resolver: resolver}
}

// Send frames and writes one envelope to its destination.
func (s *Sender) Send(envelope *TransportEnvelope) error {
	addr, err := s.resolver.ResolvePeerAddr(envelope.Context, envelope.Destination)
	if err != nil {
		s.failures.Inc()
		return err
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	if err != nil {
		s.failures.Inc()
		return fmt.Errorf("%w: dial %s: %v", ErrDestinationUnreachable, addr, err)
	}
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.failures.Inc()
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		s.failures.Inc()
		return err
	}
	return nil
}

// Failures returns the lifetime send-failure count.
func (s *Sender) Failures() uint64 {
	return s.failures.Load()
}

// Receiver accepts framed envelopes from a listener and hands them to a
// delivery callback.
type Receiver struct {
	cfg     Config
	deliver func(*TransportEnvelope)
}

// NewReceiver creates a receiver invoking deliver for every decoded
// envelope.
func NewReceiver(cfg Config, deliver func(*TransportEnvelope)) *Receiver {
	return &Receiver{cfg: cfg, deliver: deliver}
}

// Serve accepts connections until the listener closes. Each connection
// may carry any number of frames.
func (r *Receiver) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go r.serveConn(conn)
	}
}

func (r *Receiver) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
			return
		}
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		envelope, err := UnmarshalEnvelope(payload)
		if err != nil {
			continue
		}
		r.deliver(envelope)
	}
}

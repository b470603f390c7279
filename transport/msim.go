package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"chatbridge/protocol"
)

var ErrAuthFailed = errors.New("msim authentication failed")

type MSIMConfig struct {
	Addr     string
	Login    string
	Password string
	// Contacts are added to the broker's contact list on every connect so
	// the server reports their presence.
	Contacts          []string
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
}

// MSIM is a client for an msim server. It is not safe for concurrent use.
type MSIM struct {
	cfg    MSIMConfig
	clock  quartz.Clock
	logger *zap.Logger

	conn      net.Conn
	reader    *bufio.Reader
	partial   strings.Builder
	lastWrite time.Time

	onMessage  func(Message)
	onPresence func(Presence)
}

func NewMSIM(cfg MSIMConfig, clock quartz.Clock, logger *zap.Logger) *MSIM {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 60 * time.Second
	}
	return &MSIM{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.Named("msim"),
		onMessage:  func(Message) {},
		onPresence: func(Presence) {},
	}
}

func (m *MSIM) OnMessage(handler func(Message)) { m.onMessage = handler }

func (m *MSIM) OnPresence(handler func(Presence)) { m.onPresence = handler }

func (m *MSIM) Connect(ctx context.Context) error {
	m.drop()

	dialer := net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.Addr)
	if err != nil {
		return xerrors.Errorf("dial %s: %w", m.cfg.Addr, err)
	}
	m.conn = conn
	m.reader = bufio.NewReader(conn)
	m.partial.Reset()

	if err := m.authenticate(); err != nil {
		m.drop()
		return err
	}

	for _, contact := range m.cfg.Contacts {
		if err := m.write(protocol.TypeAdd, contact); err != nil {
			return err
		}
	}
	// The stat reply seeds presence for every contact.
	if err := m.write(protocol.TypeStatus); err != nil {
		return err
	}

	m.logger.Info("connected", zap.String("addr", m.cfg.Addr), zap.String("login", m.cfg.Login))
	return nil
}

func (m *MSIM) authenticate() error {
	if err := m.write(protocol.TypeAuth, m.cfg.Login, m.cfg.Password); err != nil {
		return err
	}

	deadline := time.Now().Add(m.cfg.DialTimeout)
	for {
		if err := m.conn.SetReadDeadline(deadline); err != nil {
			return xerrors.Errorf("set auth deadline: %w", err)
		}
		line, err := m.reader.ReadString('\n')
		if err != nil {
			return xerrors.Errorf("await auth reply: %w", err)
		}

		pkt, err := protocol.Parse(line)
		if err != nil {
			continue
		}
		switch {
		case pkt.Type == protocol.TypeOK && pkt.Field(0) == protocol.TypeAuth:
			return nil
		case pkt.Type == protocol.TypeFail && pkt.Field(0) == protocol.TypeAuth:
			return xerrors.Errorf("login %s: %s: %w", m.cfg.Login, pkt.Field(1), ErrAuthFailed)
		}
		if err := m.handleLine(line); err != nil {
			return err
		}
	}
}

func (m *MSIM) Send(ctx context.Context, recipient, text string) error {
	return m.write(protocol.TypeMessage, recipient, text)
}

func (m *MSIM) ProcessEvents(ctx context.Context, slice time.Duration) (bool, error) {
	if m.conn == nil {
		return false, ErrDisconnected
	}

	if m.clock.Since(m.lastWrite) >= m.cfg.KeepaliveInterval {
		if err := m.write(protocol.TypePing); err != nil {
			return false, err
		}
	}

	activity := false
	deadline := time.Now().Add(slice)
	for {
		if ctx.Err() != nil {
			return activity, ctx.Err()
		}
		// A handler may have dropped the connection while replying.
		if m.conn == nil {
			return activity, ErrDisconnected
		}
		// Return as soon as everything already received is handled.
		if activity && m.reader.Buffered() == 0 {
			return activity, nil
		}
		if err := m.conn.SetReadDeadline(deadline); err != nil {
			m.drop()
			return activity, ErrDisconnected
		}

		chunk, err := m.reader.ReadString('\n')
		m.partial.WriteString(chunk)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return activity, nil
			}
			if !errors.Is(err, io.EOF) {
				m.logger.Info("read failed", zap.Error(err))
			}
			m.drop()
			return activity, ErrDisconnected
		}

		line := m.partial.String()
		m.partial.Reset()
		activity = true
		if err := m.handleLine(line); err != nil {
			return activity, err
		}
		if m.conn == nil {
			return activity, ErrDisconnected
		}
	}
}

func (m *MSIM) handleLine(line string) error {
	pktType, payload := protocol.SplitRaw(line)
	if pktType == protocol.TypeStatus {
		for _, item := range protocol.SplitList(payload) {
			if len(item) < 2 {
				continue
			}
			m.onPresence(Presence{User: item[0], Online: item[1] == "on"})
		}
		return nil
	}

	pkt, err := protocol.Parse(line)
	if err != nil {
		m.logger.Debug("ignoring malformed packet", zap.String("line", line))
		return nil
	}

	switch pkt.Type {
	case protocol.TypeMessage:
		sender, text, sent := pkt.Field(0), pkt.Field(1), pkt.Field(2)
		if err := m.write(protocol.TypeAck, sender, sent); err != nil {
			return err
		}
		m.onMessage(Message{From: sender, Text: text})
	case protocol.TypeOnline, protocol.TypeOffline:
		m.onPresence(Presence{User: pkt.Field(0), Online: pkt.Type == protocol.TypeOnline})
	case protocol.TypeFail:
		m.logger.Warn("server refused request", zap.String("op", pkt.Field(0)), zap.String("reason", pkt.Field(1)))
	case protocol.TypeBye:
		m.logger.Info("server closed the session", zap.String("reason", pkt.Field(0)), zap.String("until", pkt.Field(1)))
		m.drop()
		return ErrDisconnected
	case protocol.TypeOK, protocol.TypePong:
	default:
		m.logger.Debug("ignoring packet", zap.String("type", pkt.Type))
	}
	return nil
}

func (m *MSIM) write(pktType string, fields ...string) error {
	if m.conn == nil {
		return ErrDisconnected
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		m.drop()
		return ErrDisconnected
	}
	if _, err := io.WriteString(m.conn, protocol.Format(pktType, fields...)); err != nil {
		m.logger.Info("write failed", zap.String("type", pktType), zap.Error(err))
		m.drop()
		return ErrDisconnected
	}
	m.lastWrite = m.clock.Now()
	return nil
}

func (m *MSIM) drop() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.reader = nil
	}
}

// Close says goodbye to the server and closes the connection.
func (m *MSIM) Close() error {
	if m.conn == nil {
		return nil
	}
	_ = m.write(protocol.TypeBye)
	m.drop()
	return nil
}

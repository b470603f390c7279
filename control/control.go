// Package control serves the operator socket: one command per connection,
// one reply line (or a counted block of lines) back.
//
//	stats                 OK|waiting=1 notified=0 ...
//	history|<chat id>     OK|<n> followed by n escaped queue rows
//	shutdown[|password]   OK|Shutting down
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/xerrors"

	"chatbridge/db"
	"chatbridge/models"
	"chatbridge/protocol"
)

type Store interface {
	Stats(ctx context.Context) (models.StoreStats, error)
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	History(ctx context.Context, sessionID int64) (local, remote []models.QueuedMessage, err error)
}

type Server struct {
	path         string
	store        Store
	passwordHash []byte
	shutdown     func()
	logger       *zap.Logger
}

// New creates a control server on the unix socket at path. shutdown is
// called once an operator asks the process to stop. An empty
// passwordHash lets anyone with access to the socket shut down.
func New(path string, store Store, passwordHash string, shutdown func(), logger *zap.Logger) *Server {
	return &Server{
		path:         path,
		store:        store,
		passwordHash: []byte(passwordHash),
		shutdown:     shutdown,
		logger:       logger.Named("control"),
	}
}

// HashPassword returns the bcrypt hash to put in control_password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Serve accepts connections until ctx is done, then removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	// A socket left behind by a crashed process would make Listen fail.
	os.Remove(s.path)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return xerrors.Errorf("listen on control socket %s: %w", s.path, err)
	}
	defer os.Remove(s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", zap.String("path", s.path))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	arg := ""
	if len(parts) == 2 {
		arg = parts[1]
	}

	var reply string
	switch parts[0] {
	case "stats":
		reply = s.handleStats(ctx)
	case "history":
		reply = s.handleHistory(ctx, arg)
	case "shutdown":
		reply = s.handleShutdown(arg)
	default:
		reply = "ERROR|Unknown command\n"
	}
	conn.Write([]byte(reply))
}

func (s *Server) handleStats(ctx context.Context) string {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("read stats", zap.Error(err))
		return "ERROR|Internal error\n"
	}
	return "OK|" + FormatStats(stats) + "\n"
}

// FormatStats renders store counts as space separated key=value pairs.
func FormatStats(stats models.StoreStats) string {
	return fmt.Sprintf("waiting=%d notified=%d open=%d closed=%d failed=%d canceled=%d undelivered_local=%d undelivered_remote=%d reachable=%s",
		stats.Sessions[models.StatusWaiting],
		stats.Sessions[models.StatusNotified],
		stats.Sessions[models.StatusOpen],
		stats.Sessions[models.StatusClosed],
		stats.Sessions[models.StatusFailed],
		stats.Sessions[models.StatusCanceledLocally],
		stats.UndeliveredLocal,
		stats.UndeliveredRemote,
		strings.Join(stats.Reachable, ","),
	)
}

func (s *Server) handleHistory(ctx context.Context, arg string) string {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "ERROR|Invalid chat id\n"
	}
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return "ERROR|Chat not found\n"
	}
	if err != nil {
		s.logger.Error("read session", zap.Int64("chat", id), zap.Error(err))
		return "ERROR|Internal error\n"
	}
	local, remote, err := s.store.History(ctx, id)
	if err != nil {
		s.logger.Error("read history", zap.Int64("chat", id), zap.Error(err))
		return "ERROR|Internal error\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "OK|%d\n", 1+len(local)+len(remote))
	b.WriteString(protocol.Format("chat",
		strconv.FormatInt(session.ID, 10),
		session.Status.String(),
		session.RemoteUser,
		session.LocalUser,
		timestamp(session.StartTime),
		timestamp(session.EndTime),
		session.StartMessage,
	))
	for _, m := range local {
		b.WriteString(formatQueued("local", m))
	}
	for _, m := range remote {
		b.WriteString(formatQueued("remote", m))
	}
	return b.String()
}

func formatQueued(queue string, m models.QueuedMessage) string {
	return protocol.Format(queue,
		strconv.FormatInt(m.ID, 10),
		timestamp(m.PostTime),
		timestamp(m.SendTime),
		m.Payload,
	)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleShutdown(password string) string {
	if len(s.passwordHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
			s.logger.Warn("shutdown refused, bad password")
			return "ERROR|Permission denied\n"
		}
	}
	s.logger.Info("shutdown requested")
	s.shutdown()
	return "OK|Shutting down\n"
}

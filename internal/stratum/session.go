package stratum

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
)

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, env *Envelope) error
}

// Session is one downstream miner connection. Writes go through a buffered
// channel drained by a single writer goroutine.
type Session struct {
	id     uint64
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a new Stratum session
func NewSession(id uint64, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// Start runs the session until the peer disconnects, ctx is done or Close is called.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(*buf, MaxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "session_read", "failed to set read deadline")
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-s.done:
					return nil
				default:
				}
				return errors.Wrap(err, errors.ErrorTypeNetwork, "session_read", "read failed")
			}
			s.logger.Debug("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(line))

		env, err := DecodeEnvelope(line)
		if err != nil {
			s.logger.WithError(err).Warn("failed to parse message")
			if sendErr := s.SendError(nil, NewError(ErrorParseError, "Parse error")); sendErr != nil {
				s.logger.WithError(sendErr).Debug("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, env); err != nil {
			s.logger.WithError(err).Warn("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.logger.WithError(err).Debug("failed to set write deadline")
					return
				}
			}
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				return
			}
			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// Send queues a message. It fails when the session is closed or its queue is full.
func (s *Session) Send(msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return errors.New(errors.ErrorTypeNetwork, "session_send", "session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return errors.New(errors.ErrorTypeNetwork, "session_send", "session closed")
	default:
		return errors.New(errors.ErrorTypeNetwork, "session_send", "outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.Send(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, err *Error) error {
	return s.Send(NewErrorResponse(id, err))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.Send(NewNotification(method, params))
}

// Close tears the connection down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close connection")
		}
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// ID returns the unique session identifier.
func (s *Session) ID() uint64 { return s.id }

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

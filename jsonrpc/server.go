// Package jsonrpc is a newline-delimited JSON command transport over TCP.
// A request is one APIRequest object on one line; the handler writes one
// line back.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/nvmexp/lw-firmware-sub127/log"
)

// MaxRequest bounds one request line.
const MaxRequest = 65536

type APIRequest struct {
	Command   string          `json:"command"`
	Parameter json.RawMessage `json:"parameter,omitempty"`
}

// ServerHandlerFunc answers one request. The returned value is written back
// as the response line.
type ServerHandlerFunc func(ctx context.Context, req *APIRequest) interface{}

type Server struct {
	listener       net.Listener
	done           chan interface{}
	wg             sync.WaitGroup
	handler        ServerHandlerFunc
	bConnKeepAlive bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(addr string, handler ServerHandlerFunc, bKeepAlive bool) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener:       l,
		done:           make(chan interface{}),
		handler:        handler,
		bConnKeepAlive: bKeepAlive,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   time.Second,
	}
	if s.handler == nil {
		s.handler = DefaultServerHandler
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ListenAndServe accepts connections until Shutdown.
func (s *Server) ListenAndServe() error {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("Accept error %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting, cancels in-flight handlers and waits for the
// connections to drain or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	s.cancel()
	err := s.listener.Close()
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	log.Debug("Connection from ", conn.RemoteAddr())

	// Unblock reads on shutdown.
	stop := context.AfterFunc(s.ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	r := bufio.NewReaderSize(conn, MaxRequest)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			log.Debugf("err %v", err)
		}
		buf, err := r.ReadSlice('\n')
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			log.Debugf("handleConnection EOF %v", err)
			return
		} else if err != nil {
			log.Infof("handleConnection Err %v", err)
			return
		}

		var resp interface{}
		req := APIRequest{}
		if err := json.Unmarshal(buf, &req); err != nil {
			log.Error(err)
			resp = ErrorResponse(CodeParse, err)
		} else {
			resp = s.handler(s.ctx, &req)
		}

		out, err := PrepareJSONResponse(resp)
		if err != nil {
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			log.Debugf("err %v", err)
		}
		if _, err := conn.Write(out); err != nil {
			log.Error(err)
			return
		}

		if !s.bConnKeepAlive {
			// one connection per command as default
			return
		}
	}
}

func DefaultServerHandler(ctx context.Context, req *APIRequest) interface{} {
	log.Infof("received %q", req.Command)
	return ErrorResponse(CodeUnknownCommand, errors.New("unknown command "+req.Command))
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/dispatch"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
)

var sem = make(chan struct{}, 10000)

type Server struct {
	dispatcher *dispatch.Dispatcher
	conns      *connection.Manager
	upgrader   websocket.Upgrader
}

func NewServer(dispatcher *dispatch.Dispatcher, conns *connection.Manager) *Server {
	return &Server{
		dispatcher: dispatcher,
		conns:      conns,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Fail to upgrade connection from %s, details: %v", r.RemoteAddr, err)
		return
	}

	conn := newWSConn(uuid.NewString(), ws)
	logger.DebugF("Accepted new connection %s from %s", conn.id, r.RemoteAddr)
	s.conns.AddConnection(conn)

	sem <- struct{}{}
	go func() {
		s.readLoop(conn)
		<-sem
	}()
}

func (s *Server) readLoop(conn *wsConn) {
	defer func() {
		logger.DebugF("[%s] Connection closed", conn.id)
		_ = conn.ws.Close()
		s.conns.RemoveConnection(conn.id)
		s.dispatcher.HandleClose(context.Background(), conn.id)
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			handleReadError(conn.id, err)
			return
		}
		conn.Touch(time.Now())
		logger.DebugF("[%s] Receive %d bytes from client", conn.id, len(data))
		s.dispatcher.HandleMessage(context.Background(), conn.id, data)
	}
}

func handleReadError(connID string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, net.ErrClosed):
		logger.InfoF("[%s] Connection already closed", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}

func (s *Server) Start(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	addr := ":" + strconv.Itoa(port)
	logger.InfoF("Collab broker listen on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.FatalF("Server start error: %v", err)
	}
}

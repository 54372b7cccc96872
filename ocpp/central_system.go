package ocppserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Subprotocol is the WebSocket subprotocol of OCPP 1.6-J.
const Subprotocol = "ocpp1.6"

const writeWait = 10 * time.Second

// CentralSystem accepts station WebSocket connections and feeds their frames
// into the registry.
type CentralSystem struct {
	reg      *Registry
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// ctx outlives the upgrade request and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*wsTransport]struct{}
	wg    sync.WaitGroup
}

func NewCentralSystem(reg *Registry) *CentralSystem {
	ctx, cancel := context.WithCancel(context.Background())
	return &CentralSystem{
		reg: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // stations do not send browser origins
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
		},
		log:    reg.log,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*wsTransport]struct{}),
	}
}

// extractChargePointIDFromURL returns the last path segment, so both
// "/CP-1" and "/ocpp/CP-1" identify station CP-1.
func extractChargePointIDFromURL(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return parts[len(parts)-1]
}

func (cs *CentralSystem) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chargePointID := extractChargePointIDFromURL(r.URL.Path)
	if chargePointID == "" {
		http.Error(w, "missing charge point id in path", http.StatusBadRequest)
		return
	}
	if !slices.Contains(websocket.Subprotocols(r), Subprotocol) {
		cs.log.Warn().Str("station", chargePointID).Strs("offered", websocket.Subprotocols(r)).Msg("station did not offer ocpp1.6")
	}

	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.log.Warn().Err(err).Str("station", chargePointID).Msg("failed to upgrade connection")
		return
	}

	t := newWSTransport(conn, cs.reg.cfg.PingInterval, cs.log.With().Str("station", chargePointID).Logger())
	s, err := cs.reg.Connect(cs.ctx, chargePointID, t)
	if err != nil {
		cs.log.Error().Err(err).Str("station", chargePointID).Msg("failed to register connection")
		t.Close()
		return
	}

	cs.mu.Lock()
	cs.conns[t] = struct{}{}
	cs.mu.Unlock()

	cs.wg.Add(1)
	go cs.readLoop(s, t)
}

// readLoop is the single reader of a connection; frames are handled in
// arrival order.
func (cs *CentralSystem) readLoop(s *Session, t *wsTransport) {
	defer cs.wg.Done()
	defer func() {
		cs.mu.Lock()
		delete(cs.conns, t)
		cs.mu.Unlock()
		cs.reg.TransportClosed(cs.ctx, s, t)
		t.Close()
	}()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("connection lost")
			} else {
				s.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Warn().Int("type", msgType).Msg("ignoring non-text frame")
			continue
		}
		t.touch()
		s.HandleInbound(cs.ctx, data)
	}
}

// Close drops every station connection and waits for their readers.
func (cs *CentralSystem) Close() {
	cs.mu.Lock()
	conns := make([]*wsTransport, 0, len(cs.conns))
	for t := range cs.conns {
		conns = append(conns, t)
	}
	cs.mu.Unlock()

	for _, t := range conns {
		t.Close()
	}
	cs.wg.Wait()
	cs.cancel()
}

// wsTransport adapts a gorilla connection to Transport and keeps it alive
// with pings.
type wsTransport struct {
	conn         *websocket.Conn
	log          zerolog.Logger
	pingInterval time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func newWSTransport(conn *websocket.Conn, pingInterval time.Duration, log zerolog.Logger) *wsTransport {
	t := &wsTransport{conn: conn, log: log, pingInterval: pingInterval, done: make(chan struct{})}
	if pingInterval > 0 {
		t.touch()
		conn.SetPongHandler(func(string) error {
			t.touch()
			return nil
		})
		go t.pingLoop(pingInterval)
	}
	return t
}

// touch extends the read deadline; any frame from the station proves it is
// alive.
func (t *wsTransport) touch() {
	if t.pingInterval > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(2 * t.pingInterval))
	}
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) Send(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// OCPPServer serves the central system on the configured WebSocket port.
type OCPPServer struct {
	config  *Config
	central *CentralSystem
	server  *http.Server
	log     zerolog.Logger
}

func NewOCPPServer(config *Config, central *CentralSystem) *OCPPServer {
	mux := http.NewServeMux()
	mux.Handle("/", central)

	return &OCPPServer{
		config:  config,
		central: central,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.WebSocketPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: central.log,
	}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *OCPPServer) ListenAndServe(ctx context.Context) error {
	protocol := "ws"
	if s.config.UseTLS {
		protocol = "wss"
	}
	s.log.Info().Str("url", fmt.Sprintf("%s://%s:%d", protocol, s.config.Host, s.config.WebSocketPort)).Msg("OCPP central system listening")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.UseTLS {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ocpp server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.central.Close()
	s.log.Info().Msg("OCPP central system stopped")
	return err
}

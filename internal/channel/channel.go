// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package channel implements ConnectionManager (C7) and Channel (C8): the
// HTTP/WebSocket front door that turns a URL or JSON-RPC message into a
// Service.Invoke call. The listener accepts connections via net/http, chi
// routes them against the URL space in §6, and a periodic sweep reaps
// WebSocket channels that have gone idle past the configured threshold.
package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/jsonrpc"
	"github.com/tomtom215/pluginhost/internal/logging"
	"github.com/tomtom215/pluginhost/internal/metrics"
	"github.com/tomtom215/pluginhost/internal/middleware"
	"github.com/tomtom215/pluginhost/internal/registry"
	"github.com/tomtom215/pluginhost/internal/security"
	"github.com/tomtom215/pluginhost/internal/service"
	"github.com/tomtom215/pluginhost/internal/workerpool"
)

// Protocol is the WebSocket subprotocol a Channel negotiated at upgrade
// time, chosen from the Sec-WebSocket-Protocol header per §4.7. A Raw
// channel bypasses framing entirely and hands the plugin the byte stream.
type Protocol string

const (
	ProtocolNotification Protocol = "notification"
	ProtocolJSON          Protocol = "json"
	ProtocolText          Protocol = "text"
	ProtocolJsonRpc        Protocol = "jsonrpc"
	ProtocolRaw            Protocol = ""
)

// pump tuning, grounded on the same keepalive cadence the teacher's
// websocket client uses: a write deadline comfortably inside the read
// deadline, and a ping period inside the pong deadline.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgradeSubprotocols = []string{
	string(ProtocolNotification), string(ProtocolJSON), string(ProtocolText), string(ProtocolJsonRpc),
}

// Channel is Channel (C8). An ephemeral Channel backs one HTTP
// request/response; a persistent one backs a WebSocket upgrade bound to a
// single service for its lifetime.
type Channel struct {
	ID       uint32
	protocol Protocol
	token    string

	conn   *websocket.Conn
	sendMu sync.Mutex
	send   chan []byte

	boundCallsign string
	manager       *ConnectionManager

	lastActivity atomic.Int64
	closed       atomic.Bool

	queueMu sync.Mutex
	queue   []jsonrpc.Request
	running bool
}

func newChannel(id uint32, manager *ConnectionManager, protocol Protocol, token string) *Channel {
	c := &Channel{ID: id, manager: manager, protocol: protocol, token: token, send: make(chan []byte, 16)}
	c.touch()
	return c
}

func (c *Channel) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// IdleFor reports how long c has gone without activity, as of now.
func (c *Channel) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

func (c *Channel) identity() string { return "channel-" + strconv.FormatUint(uint64(c.ID), 10) }

// Send serializes object and writes it to the channel's socket. A []byte
// or string is written verbatim (the raw-channel case); anything else is
// JSON-encoded.
func (c *Channel) Send(object interface{}) error {
	if c.closed.Load() {
		return errorkind.New(errorkind.ConnectionClosed, "channel is closed")
	}

	var payload []byte
	switch v := object.(type) {
	case nil:
		return nil
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
	default:
		encoded, err := jsonrpc.Marshal(object)
		if err != nil {
			return errorkind.Wrap(errorkind.General, "failed to encode outbound message", err)
		}
		payload = encoded
	}

	c.touch()
	if c.conn == nil {
		return errorkind.New(errorkind.IllegalState, "channel has no live socket to send on")
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errorkind.New(errorkind.General, "channel send buffer full")
	}
}

// Received decodes one inbound JSON-RPC frame and enqueues it. Frames on
// the same channel are processed strictly in order: only one invocation
// per channel is ever in flight on the WorkerPool at a time, which is what
// guarantees concurrent requests never race past each other on the wire.
func (c *Channel) Received(payload []byte) {
	c.touch()
	var req jsonrpc.Request
	if err := jsonrpc.Unmarshal(payload, &req); err != nil {
		_ = c.Send(jsonrpc.Failure(nil, errorkind.New(errorkind.BadRequest, "malformed JSON-RPC request")))
		return
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, req)
	shouldSubmit := !c.running
	if shouldSubmit {
		c.running = true
	}
	c.queueMu.Unlock()

	if shouldSubmit {
		c.manager.pool.Submit(invokeJob{channel: c}, c.boundCallsign, c.identity())
	}
}

// StateChange binds c to callsign for the lifetime of a WebSocket upgrade.
// Unbinding (on channel close) is handled by the manager's close path.
func (c *Channel) StateChange(callsign string) {
	c.boundCallsign = callsign
}

// Close marks c closed and, for a bound WebSocket channel, unsubscribes it
// from further dispatch.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.send)
	c.manager.forget(c.ID)
}

type invokeJob struct{ channel *Channel }

func (j invokeJob) Dispatch() {
	c := j.channel
	c.queueMu.Lock()
	if len(c.queue) == 0 {
		c.running = false
		c.queueMu.Unlock()
		return
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.queueMu.Unlock()

	resp := c.manager.invoke(c, req)
	if err := c.Send(resp); err != nil {
		logging.Warn().Uint32("channel", c.ID).Err(err).Msg("failed to deliver JSON-RPC response")
	}

	c.queueMu.Lock()
	more := len(c.queue) > 0
	if !more {
		c.running = false
	}
	c.queueMu.Unlock()
	if more {
		c.manager.pool.Submit(invokeJob{channel: c}, c.boundCallsign, c.identity())
	}
}

// ConnectionManager is ConnectionManager (C7).
type ConnectionManager struct {
	listenerCfg config.ListenerConfig
	channelCfg  config.ChannelConfig
	paths       config.PathsConfig

	registry *registry.ServiceMap
	gate     *security.Gate
	pool     *workerpool.Pool

	router   chi.Router
	upgrader websocket.Upgrader

	httpServer *http.Server

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   atomic.Uint32
}

// New constructs a ConnectionManager wired to reg for service resolution,
// gate for authorization, and pool for invocation dispatch.
func New(listenerCfg config.ListenerConfig, channelCfg config.ChannelConfig, paths config.PathsConfig, reg *registry.ServiceMap, gate *security.Gate, pool *workerpool.Pool) *ConnectionManager {
	m := &ConnectionManager{
		listenerCfg: listenerCfg,
		channelCfg:  channelCfg,
		paths:       paths,
		registry:    reg,
		gate:        gate,
		pool:        pool,
		channels:    make(map[uint32]*Channel),
		upgrader: websocket.Upgrader{
			Subprotocols:    upgradeSubprotocols,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	m.router = m.buildRouter()
	return m
}

func (m *ConnectionManager) allocateID() uint32 { return m.nextID.Add(1) }

func (m *ConnectionManager) register(c *Channel) {
	m.mu.Lock()
	m.channels[c.ID] = c
	m.mu.Unlock()
	metrics.TrackChannelConnection(true)
}

func (m *ConnectionManager) forget(id uint32) {
	m.mu.Lock()
	_, existed := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if existed {
		metrics.TrackChannelConnection(false)
	}
}

// asChiMiddleware adapts the internal/middleware package's HandlerFunc
// wrappers to chi's func(http.Handler) http.Handler convention.
func asChiMiddleware(wrap func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return wrap(next.ServeHTTP)
	}
}

func (m *ConnectionManager) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
		// Passthrough so the OPTIONS route below can return the one
		// canned response §4.7 specifies, rather than the cors
		// middleware's own preflight reply.
		OptionsPassthrough: true,
	}))
	r.Use(httprate.LimitAll(600, time.Minute))
	r.Use(asChiMiddleware(middleware.RequestID))
	r.Use(asChiMiddleware(middleware.PrometheusMetrics))
	r.Use(asChiMiddleware(middleware.Compression))

	prefix := strings.TrimSuffix(m.listenerCfg.WebPrefix, "/")
	jsonrpcPrefix := strings.TrimSuffix(m.listenerCfg.JSONRPCPrefix, "/")

	r.Options(prefix+"/*", m.handlePreflight)
	r.Get(prefix, m.handleRootMetadata)
	r.Get(prefix+"/*", m.handleIntrospectionOrStatic)
	r.Post(prefix, m.handleJSONRPCOverHTTP)
	r.Put(prefix+"/{op}", m.handleStateChange)
	r.Put(prefix+"/{op}/*", m.handleStateChange)
	r.Delete(prefix+"/Persistent/*", m.handlePersistentDelete)
	r.Get(jsonrpcPrefix+"/{callsign}", m.handleWebSocketUpgrade)
	return r
}

// Serve implements suture.Service: binds the listener, serves HTTP until
// ctx is canceled, and runs the idle-channel reaper alongside it.
func (m *ConnectionManager) Serve(ctx context.Context) error {
	network := "tcp"
	if m.listenerCfg.DisableIPv6 {
		network = "tcp4"
	}
	addr := net.JoinHostPort(m.listenerCfg.BindAddress, strconv.Itoa(m.listenerCfg.Port))

	ln, err := net.Listen(network, addr)
	if err != nil {
		return errorkind.Wrap(errorkind.OpeningFailed, "failed to bind listener", err)
	}

	m.httpServer = &http.Server{Handler: m.router}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- m.httpServer.Serve(ln) }()

	reapTicker := time.NewTicker(m.reapInterval())
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = m.httpServer.Shutdown(shutdownCtx)
			m.closeAll()
			return ctx.Err()
		case err := <-serveErrCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errorkind.Wrap(errorkind.General, "listener serve loop exited", err)
		case now := <-reapTicker.C:
			m.reapIdle(now)
		}
	}
}

func (m *ConnectionManager) reapInterval() time.Duration {
	if m.channelCfg.IdleReapInterval <= 0 {
		return time.Minute
	}
	return m.channelCfg.IdleReapInterval
}

func (m *ConnectionManager) reapIdle(now time.Time) {
	if m.channelCfg.IdleTimeout <= 0 {
		return
	}
	m.mu.Lock()
	stale := make([]*Channel, 0)
	for _, c := range m.channels {
		if c.IdleFor(now) > m.channelCfg.IdleTimeout {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		logging.Info().Uint32("channel", c.ID).Msg("reaping idle channel")
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.Close()
	}
}

func (m *ConnectionManager) closeAll() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	for _, c := range channels {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.Close()
	}
}

// invoke is the shared path a JSON-RPC frame takes whether it arrived over
// WebSocket or as a POST body: authorize, resolve, dispatch.
func (m *ConnectionManager) invoke(c *Channel, req jsonrpc.Request) *jsonrpc.Response {
	parts, err := jsonrpc.ParseMethod(req.Method)
	if err != nil {
		return jsonrpc.Failure(req.ID, err)
	}

	secCtx, err := m.gate.AllowedRPC(parts.Callsign, parts.Method, c.token)
	if err != nil {
		return jsonrpc.Failure(req.ID, err)
	}

	svc, ok := m.registry.FromIdentifier(parts.Callsign)
	if !ok {
		return jsonrpc.Failure(req.ID, errorkind.New(errorkind.UnknownKey, "unknown callsign "+parts.Callsign))
	}

	subject := ""
	if secCtx != nil {
		subject = secCtx.Subject
	}
	result, err := svc.Invoke(c.ID, subject, parts.Callsign, parts.Method, req.Params, m.registry)
	if err != nil {
		return jsonrpc.Failure(req.ID, err)
	}
	return jsonrpc.Success(req.ID, result)
}

func tokenFromRequest(r *http.Request, headerName string) string {
	if headerName == "" {
		headerName = "Authorization"
	}
	return security.ExtractToken(r.Header.Get(headerName), r.URL.Query().Get("token"))
}

func (m *ConnectionManager) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, POST, PUT, DELETE")
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
}

func (m *ConnectionManager) handleRootMetadata(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, r, map[string]interface{}{
		"webPrefix":     m.listenerCfg.WebPrefix,
		"jsonRpcPrefix": m.listenerCfg.JSONRPCPrefix,
		"plugins":       m.registry.Metadata(nil),
	})
}

// handleIntrospectionOrStatic covers the read-only introspection branch of
// the URL space, plus static-asset serving for any path that does not
// match a recognized introspection keyword and belongs to a plugin that
// opted into WebUI.
func (m *ConnectionManager) handleIntrospectionOrStatic(w http.ResponseWriter, r *http.Request) {
	trail := chi.URLParam(r, "*")
	segments := strings.Split(strings.Trim(trail, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		m.handleRootMetadata(w, r)
		return
	}

	switch segments[0] {
	case "Plugin":
		if len(segments) >= 2 {
			m.writeJSON(w, r, m.registry.Metadata([]string{segments[1]}))
		} else {
			m.writeJSON(w, r, m.registry.Metadata(nil))
		}
	case "Discovery":
		m.writeJSON(w, r, m.registry.Metadata(nil))
	case "Configuration":
		if len(segments) < 2 {
			m.writeError(w, errorkind.New(errorkind.BadRequest, "Configuration requires a callsign"))
			return
		}
		svc, ok := m.registry.FromIdentifier(segments[1])
		if !ok {
			m.writeError(w, errorkind.New(errorkind.UnknownKey, "unknown callsign "+segments[1]))
			return
		}
		m.writeJSON(w, r, svc.Config())
	case "Version":
		m.writeJSON(w, r, map[string]string{"fabric": "pluginhost"})
	case "Links", "Process", "Subsystems", "Proxies", "Callstack", "Monitor", "Environment":
		m.writeJSON(w, r, map[string]interface{}{})
	default:
		m.serveStaticAsset(w, r, segments)
	}
}

func (m *ConnectionManager) serveStaticAsset(w http.ResponseWriter, r *http.Request, segments []string) {
	callsign := segments[0]
	svc, ok := m.registry.FromIdentifier(callsign)
	if !ok || !svc.Config().WebUI {
		http.NotFound(w, r)
		return
	}

	root := filepath.Join(m.paths.DataPath, callsign, "UI")
	requested := filepath.Join(root, filepath.Join(segments[1:]...))
	if !strings.HasPrefix(requested, root) {
		m.writeError(w, errorkind.New(errorkind.BadRequest, "path traversal rejected"))
		return
	}
	http.ServeFile(w, r, requested)
}

func (m *ConnectionManager) handleJSONRPCOverHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r, "")
	if _, err := m.gate.AllowedRequest(r.Method, r.URL.Path, token); err != nil {
		m.writeError(w, err)
		return
	}

	var req jsonrpc.Request
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		m.writeError(w, errorkind.Wrap(errorkind.BadRequest, "malformed JSON-RPC body", err))
		return
	}

	ephemeral := &Channel{ID: m.allocateID(), manager: m, protocol: ProtocolJSON, token: token}
	resp := m.invoke(ephemeral, req)
	m.writeJSON(w, r, resp)
}

func (m *ConnectionManager) handleStateChange(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r, "")
	if _, err := m.gate.AllowedRequest(r.Method, r.URL.Path, token); err != nil {
		m.writeError(w, err)
		return
	}

	op := chi.URLParam(r, "op")
	arg := strings.Trim(chi.URLParam(r, "*"), "/")

	switch op {
	case "Discovery":
		// No network probing: this is a trigger that simply hands back the
		// current local snapshot, same payload as GET .../Discovery.
		m.writeJSON(w, r, m.registry.Metadata(nil))
		return
	case "Configuration":
		if arg == "" {
			m.writeError(w, errorkind.New(errorkind.BadRequest, "Configuration requires a callsign"))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			m.writeError(w, errorkind.Wrap(errorkind.BadRequest, "failed to read request body", err))
			return
		}
		if err := m.registry.SetConfiguration(arg, string(body)); err != nil {
			m.writeError(w, err)
			return
		}
		m.writeJSON(w, r, map[string]string{"callsign": arg, "status": "configured"})
		return
	case "Persist":
		data, err := m.registry.Persist()
		if err != nil {
			m.writeError(w, err)
			return
		}
		overridePath := filepath.Join(m.paths.PersistentPath, "PluginHost", "override.json")
		if err := os.MkdirAll(filepath.Dir(overridePath), 0o755); err != nil {
			m.writeError(w, errorkind.Wrap(errorkind.General, "failed to create persistent directory", err))
			return
		}
		if err := os.WriteFile(overridePath, data, 0o644); err != nil {
			m.writeError(w, errorkind.Wrap(errorkind.General, "failed to write override document", err))
			return
		}
		m.writeJSON(w, r, map[string]string{"status": "persisted"})
		return
	}

	svc, ok := m.registry.FromIdentifier(arg)
	if !ok {
		m.writeError(w, errorkind.New(errorkind.UnknownKey, "unknown callsign "+arg))
		return
	}

	var err error
	switch op {
	case "Activate":
		err = svc.Activate(service.ReasonRequested)
	case "Deactivate":
		err = svc.Deactivate(service.ReasonRequested)
	case "Unavailable":
		err = svc.SetUnavailable(service.ReasonRequested)
	case "Harakiri":
		err = svc.SetUnavailable(service.ReasonFailure)
	default:
		err = errorkind.New(errorkind.BadRequest, "unrecognized state-change operation "+op)
	}
	if err != nil {
		m.writeError(w, err)
		return
	}
	m.writeJSON(w, r, map[string]string{"callsign": arg, "state": string(svc.State())})
}

func (m *ConnectionManager) handlePersistentDelete(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r, "")
	if _, err := m.gate.AllowedRequest(r.Method, r.URL.Path, token); err != nil {
		m.writeError(w, err)
		return
	}

	subpath := strings.Trim(chi.URLParam(r, "*"), "/")
	root := filepath.Clean(m.paths.PersistentPath)
	target := filepath.Join(root, subpath)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		m.writeError(w, errorkind.New(errorkind.BadRequest, "path traversal rejected"))
		return
	}
	if err := os.RemoveAll(target); err != nil {
		m.writeError(w, errorkind.Wrap(errorkind.DestructionFailed, "failed to remove persistent path", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *ConnectionManager) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r, "")
	callsign := chi.URLParam(r, "callsign")

	if _, err := m.gate.AllowedRPC(callsign, "exists", token); err != nil {
		m.writeError(w, err)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Str("callsign", callsign).Err(err).Msg("websocket upgrade failed")
		return
	}

	protocol := Protocol(conn.Subprotocol())
	c := newChannel(m.allocateID(), m, protocol, token)
	c.conn = conn
	c.StateChange(callsign)
	m.register(c)

	go m.writePump(c)
	m.readPump(c)
}

func (m *ConnectionManager) readPump(c *Channel) {
	defer func() {
		_ = c.conn.Close()
		c.Close()
	}()

	maxFrame := m.channelCfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 512 * 1024
	}
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				metrics.RecordChannelReadError()
				logging.Warn().Uint32("channel", c.ID).Err(err).Msg("websocket read failed")
			}
			return
		}
		c.touch()
		metrics.RecordChannelMessageReceived(string(c.protocol))

		switch c.protocol {
		case ProtocolJsonRpc:
			c.Received(payload)
		default:
			// notification/json/text/raw channels hand the frame straight
			// to the bound plugin's Dispatcher rather than decoding a
			// JSON-RPC envelope.
			if svc, ok := m.registry.FromIdentifier(c.boundCallsign); ok {
				_, _ = svc.Invoke(c.ID, c.token, c.boundCallsign, "receive", json.RawMessage(payload), m.registry)
			}
		}
	}
}

func (m *ConnectionManager) writePump(c *Channel) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			messageType := websocket.TextMessage
			if c.protocol == ProtocolRaw {
				messageType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(messageType, payload); err != nil {
				return
			}
			metrics.RecordChannelMessageSent(string(c.protocol))
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *ConnectionManager) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	payload, err := jsonrpc.Marshal(v)
	if err != nil {
		m.writeError(w, errorkind.Wrap(errorkind.General, "failed to encode response", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (m *ConnectionManager) writeError(w http.ResponseWriter, err error) {
	fe := errorkind.Normalize(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fe.Kind.HTTPStatus())
	payload, _ := jsonrpc.Marshal(map[string]string{"error": string(fe.Kind), "message": fe.Message})
	_, _ = w.Write(payload)
}

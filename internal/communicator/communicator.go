// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package communicator implements CommunicatorServer (C3): spawning
// out-of-process plugin workers, handshaking with them over a framed
// local transport, and detecting their death.
package communicator

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/logging"
)

// Handler processes one labeled frame read off a worker's transport.
type Handler func(sessionID uint32, payload []byte)

// DeathHandler is invoked once a worker's transport closes or its
// liveness probe times out.
type DeathHandler func(sessionID uint32)

// Session is one spawned worker's live connection.
type Session struct {
	ID            uint32
	Pid           int
	FirstInterface string

	conn   net.Conn
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// SessionID satisfies service.RemoteConnection.
func (s *Session) SessionID() uint32 { return s.ID }

// Release tears down the transport, killing the worker process if it is
// still alive.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	_ = s.conn.Close()
	if s.Pid > 0 {
		if proc, err := os.FindProcess(s.Pid); err == nil {
			_ = proc.Kill()
		}
	}
}

// Hibernate asks the worker to checkpoint itself. This fabric delegates
// the actual suspend-to-disk mechanics to the diagnostics package's
// Hibernate store; the communicator's role is only to signal the child
// with a control frame, written under a deadline of timeout seconds. No
// acknowledgment is read back from the child.
func (s *Session) Hibernate(timeout int) error {
	return s.sendControlFrame(labelHibernate, timeout)
}

// Wakeup reverses Hibernate.
func (s *Session) Wakeup(timeout int) error {
	return s.sendControlFrame(labelWakeup, timeout)
}

// RequestSelfDump asks the worker to write its own PostMortem dump before
// this fabric's side dumps /proc/<pid> and tears the session down.
func (s *Session) RequestSelfDump() error {
	return s.sendControlFrame(labelSelfDump, 5)
}

func (s *Session) sendControlFrame(label uint32, timeoutSeconds int) error {
	s.mu.Lock()
	closed := s.closed
	conn := s.conn
	s.mu.Unlock()
	if closed {
		return errorkind.New(errorkind.ConnectionClosed, "session already closed")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(time.Duration(timeoutSeconds) * time.Second))
	return writeFrame(conn, label, nil)
}

const (
	labelAnnounce  uint32 = 1
	labelHibernate uint32 = 2
	labelWakeup    uint32 = 3
	labelInvoke    uint32 = 4
	labelPing      uint32 = 5
	labelSelfDump  uint32 = 6
)

// Server is CommunicatorServer (C3): it spawns worker processes, accepts
// their handshake over a filesystem-path or TCP listener, and tracks
// live sessions so death can be reported back to Service.
type Server struct {
	cfg config.CommunicatorConfig

	listener net.Listener

	mu              sync.Mutex
	sessions        map[uint32]*Session
	nextID          uint32
	spawnMu         map[string]*sync.Mutex // serialized per connector endpoint
	pendingAnnounce chan net.Conn

	onDeath DeathHandler
	breaker *gobreaker.CircuitBreaker[any]
}

// New constructs a Server listening on cfg.ConnectorAddress. The
// listener is not started until Serve runs.
func New(cfg config.CommunicatorConfig, onDeath DeathHandler) *Server {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "communicator-spawn",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", breakerStateName(from)).Str("to", breakerStateName(to)).Msg("communicator spawn breaker state changed")
		},
	})

	return &Server{
		cfg:      cfg,
		sessions: make(map[uint32]*Session),
		spawnMu:  make(map[string]*sync.Mutex),
		onDeath:  onDeath,
		breaker:  breaker,
	}
}

// Serve implements suture.Service: it accepts worker handshake
// connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	network := "unix"
	if s.cfg.ConnectorAddress == "" {
		return errorkind.New(errorkind.General, "communicator connector address not configured")
	}
	if looksLikeTCPAddress(s.cfg.ConnectorAddress) {
		network = "tcp"
	} else {
		_ = os.Remove(s.cfg.ConnectorAddress)
	}

	ln, err := net.Listen(network, s.cfg.ConnectorAddress)
	if err != nil {
		return errorkind.Wrap(errorkind.OpeningFailed, "communicator listen failed", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errorkind.Wrap(errorkind.General, "communicator accept failed", err)
			}
		}
		go s.handleConnection(conn)
	}
}

func breakerStateName(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func looksLikeTCPAddress(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

// Create spawns a worker process and blocks up to waitTime for its
// Announce handshake, per §4.3.
func (s *Server) Create(object, dataPath, persistentPath, volatilePath string, process config.ProcessSettings, waitTime time.Duration) (*Session, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.spawnAndHandshake(object, dataPath, persistentPath, volatilePath, process, waitTime)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errorkind.Wrap(errorkind.ChildLaunchTimedOut, "spawn breaker open", err)
		}
		return nil, err
	}
	return result.(*Session), nil
}

func (s *Server) spawnAndHandshake(object, dataPath, persistentPath, volatilePath string, process config.ProcessSettings, waitTime time.Duration) (*Session, error) {
	mu := s.endpointLock(s.cfg.ConnectorAddress)
	mu.Lock()
	defer mu.Unlock()

	cmd := exec.Command(s.cfg.ChildLaunchPath, object)
	cmd.Env = append(os.Environ(),
		"COMMUNICATOR_CONNECTOR="+s.cfg.ConnectorAddress,
		"PLUGINHOST_DATA_PATH="+dataPath,
		"PLUGINHOST_PERSISTENT_PATH="+persistentPath,
		"PLUGINHOST_VOLATILE_PATH="+volatilePath,
	)
	applyProcessSettings(cmd, process)

	if err := cmd.Start(); err != nil {
		return nil, errorkind.Wrap(errorkind.ChildLaunchTimedOut, "failed to start worker process", err)
	}

	announceCh := make(chan net.Conn, 1)
	s.mu.Lock()
	s.pendingAnnounce = announceCh
	s.mu.Unlock()

	select {
	case conn := <-announceCh:
		firstInterface, err := readAnnounce(conn)
		if err != nil {
			_ = conn.Close()
			s.killWorker(cmd)
			return nil, errorkind.Wrap(errorkind.ChildLaunchTimedOut, "malformed announce", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		session := &Session{ID: s.allocateSessionID(), Pid: cmd.Process.Pid, FirstInterface: firstInterface, conn: conn, cancel: cancel}
		s.mu.Lock()
		s.sessions[session.ID] = session
		s.mu.Unlock()

		go s.monitor(ctx, session, cmd)
		return session, nil

	case <-time.After(waitTime):
		s.killWorker(cmd)
		return nil, errorkind.New(errorkind.ChildLaunchTimedOut, "worker did not announce within waitTime")
	}
}

func (s *Server) killWorker(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
	}
}

func (s *Server) monitor(ctx context.Context, session *Session, cmd *exec.Cmd) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	probe := time.NewTicker(s.cfg.AnnounceTimeout)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			s.reportDeath(session.ID)
			return
		case <-probe.C:
			if err := writeFrame(session.conn, labelPing, nil); err != nil {
				s.reportDeath(session.ID)
				return
			}
		}
	}
}

func (s *Server) reportDeath(sessionID uint32) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if s.onDeath != nil {
		s.onDeath(sessionID)
	}
}

// Visit enumerates live sessions, used by diagnostics/metadata surfaces.
func (s *Server) Visit(fn func(*Session)) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		fn(sess)
	}
}

func (s *Server) allocateSessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Server) endpointLock(endpoint string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.spawnMu[endpoint]
	if !ok {
		mu = &sync.Mutex{}
		s.spawnMu[endpoint] = mu
	}
	return mu
}

func (s *Server) handleConnection(conn net.Conn) {
	s.mu.Lock()
	pending := s.pendingAnnounce
	s.mu.Unlock()
	if pending != nil {
		pending <- conn
	}
}

// applyProcessSettings honors the user/group knobs a plugin's
// out-of-process entry may declare. Priority, scheduling policy, OOM
// adjust, umask, and stack size are advisory hints the worker binary itself applies to
// itself on startup (passed through the environment) since Go's exec
// package has no portable knob for them pre-exec.
func applyProcessSettings(cmd *exec.Cmd, p config.ProcessSettings) {
	attr := &syscall.SysProcAttr{Setpgid: true}

	if p.User != "" || p.Group != "" {
		if cred, err := resolveCredential(p.User, p.Group); err == nil {
			attr.Credential = cred
		} else {
			logging.Warn().Str("user", p.User).Str("group", p.Group).Err(err).Msg("could not resolve worker process credential")
		}
	}
	cmd.SysProcAttr = attr

	cmd.Env = append(cmd.Env,
		fmt.Sprintf("PLUGINHOST_PROCESS_PRIORITY=%d", p.Priority),
		"PLUGINHOST_PROCESS_POLICY="+p.Policy,
		fmt.Sprintf("PLUGINHOST_PROCESS_OOM_ADJUST=%d", p.OOMAdjust),
		fmt.Sprintf("PLUGINHOST_PROCESS_UMASK=%d", p.Umask),
		fmt.Sprintf("PLUGINHOST_PROCESS_STACK_SIZE=%d", p.StackSize),
	)
}

func resolveCredential(username, groupname string) (*syscall.Credential, error) {
	cred := &syscall.Credential{}
	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return nil, err
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, err
		}
		cred.Uid = uint32(uid)
	}
	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return nil, err
		}
		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, err
		}
		cred.Gid = uint32(gid)
	}
	return cred, nil
}

func writeFrame(w writer, label uint32, payload []byte) error {
	header := make([]byte, 0, 20)
	header = binary.AppendUvarint(header, uint64(len(payload)))
	header = binary.AppendUvarint(header, uint64(label))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

type writer interface {
	Write([]byte) (int, error)
}

func readAnnounce(conn net.Conn) (string, error) {
	r := bufio.NewReader(conn)
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	label, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if uint32(label) != labelAnnounce {
		return "", fmt.Errorf("expected announce frame, got label %d", label)
	}
	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return "", err
	}
	return string(payload), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Package viewer runs the embedded 3-D viewer as an external process, one
// per account, bound to an ephemeral port from a configured range.
package viewer

import (
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
)

// Manager owns every running viewer process. Opening is best-effort: no
// free port or a missing command aborts the request without touching
// instance state.
type Manager struct {
	log     *slog.Logger
	command string
	portMin int
	portMax int

	mu       sync.Mutex
	sessions map[string]*session
	inUse    map[int]bool
}

type session struct {
	accountID string
	port      int
	cmd       *exec.Cmd
}

func NewManager(log *slog.Logger, command string, portMin, portMax int) *Manager {
	return &Manager{
		log:      log,
		command:  command,
		portMin:  portMin,
		portMax:  portMax,
		sessions: make(map[string]*session),
		inUse:    make(map[int]bool),
	}
}

// Open allocates a port and starts the viewer process for the account.
// Returns the bound port. A viewer already running for the account is an
// error; close it first.
func (m *Manager) Open(accountID, hostname string) (int, error) {
	if m.command == "" {
		return 0, fmt.Errorf("no viewer command configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[accountID]; ok {
		return 0, fmt.Errorf("viewer already open for account %s", accountID)
	}

	port, err := m.freePortLocked()
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(m.command,
		"--account", accountID,
		"--host", hostname,
		"--port", strconv.Itoa(port),
	)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start viewer: %w", err)
	}

	sess := &session{accountID: accountID, port: port, cmd: cmd}
	m.sessions[accountID] = sess
	m.inUse[port] = true

	go m.reap(sess)

	m.log.Info("viewer_started", "account_id", accountID, "port", port, "pid", cmd.Process.Pid)
	return port, nil
}

// reap waits for the process to exit on its own and releases the port.
func (m *Manager) reap(sess *session) {
	err := sess.cmd.Wait()

	m.mu.Lock()
	if current, ok := m.sessions[sess.accountID]; ok && current == sess {
		delete(m.sessions, sess.accountID)
		delete(m.inUse, sess.port)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Debug("viewer_exited", "account_id", sess.accountID, "error", err)
	} else {
		m.log.Debug("viewer_exited", "account_id", sess.accountID)
	}
}

// Close kills the viewer for an account, if any. Called when the observer
// window detaches, regardless of instance state.
func (m *Manager) Close(accountID string) {
	m.mu.Lock()
	sess, ok := m.sessions[accountID]
	if ok {
		delete(m.sessions, accountID)
		delete(m.inUse, sess.port)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	m.log.Info("viewer_closed", "account_id", accountID, "port", sess.port)
}

// CloseAll tears every viewer down, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.inUse = make(map[int]bool)
	m.mu.Unlock()

	for _, sess := range sessions {
		if sess.cmd.Process != nil {
			_ = sess.cmd.Process.Kill()
		}
	}
}

// freePortLocked scans the configured range for a bindable port that is
// not already handed to a running viewer.
func (m *Manager) freePortLocked() (int, error) {
	for port := m.portMin; port <= m.portMax; port++ {
		if m.inUse[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", m.portMin, m.portMax)
}

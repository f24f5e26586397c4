package supervisor

import (
	"sync"

	"github.com/jardesigner/jardesigner/internal/events"
)

// sessions maps realtime connections to client ids. A client is bound to at
// most one connection; the latest registration wins.
type sessions struct {
	mu         sync.Mutex
	connClient map[string]string
	clientConn map[string]string
}

func newSessions() *sessions {
	return &sessions{
		connClient: make(map[string]string),
		clientConn: make(map[string]string),
	}
}

func (ss *sessions) register(connID, clientID string) (previous string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if old, ok := ss.connClient[connID]; ok && old != clientID && ss.clientConn[old] == connID {
		delete(ss.clientConn, old)
	}
	if prev, ok := ss.clientConn[clientID]; ok && prev != connID {
		delete(ss.connClient, prev)
		previous = prev
	}
	ss.connClient[connID] = clientID
	ss.clientConn[clientID] = connID
	return previous
}

func (ss *sessions) remove(connID string) (string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	clientID, ok := ss.connClient[connID]
	if !ok {
		return "", false
	}
	delete(ss.connClient, connID)
	if ss.clientConn[clientID] == connID {
		delete(ss.clientConn, clientID)
	}
	return clientID, true
}

func (ss *sessions) client(connID string) (string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	clientID, ok := ss.connClient[connID]
	return clientID, ok
}

// Register binds a connection to a client id. A connection previously bound
// to the same client loses its binding, so its disconnect no longer cleans
// up the client.
func (s *Supervisor) Register(connID, clientID string) {
	if connID == "" || clientID == "" {
		return
	}
	previous := s.sessions.register(connID, clientID)
	fields := map[string]interface{}{
		"conn_id":   connID,
		"client_id": clientID,
	}
	if previous != "" {
		fields["replaced_conn_id"] = previous
	}
	events.Emit("info", "client.registered", "", fields)
}

// ClientOf returns the client id bound to connID.
func (s *Supervisor) ClientOf(connID string) (string, bool) {
	return s.sessions.client(connID)
}

// Disconnect releases the connection's client: its active run is terminated
// and its staging directory removed. Unknown connections are a no-op and
// return false. A launch in flight finishes first, so the run it starts is
// the one torn down here.
func (s *Supervisor) Disconnect(connID string) bool {
	clientID, ok := s.sessions.remove(connID)
	if !ok {
		return false
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	fields := map[string]interface{}{
		"conn_id":   connID,
		"client_id": clientID,
	}
	s.mu.Lock()
	pid, hasRun := s.clientRuns[clientID]
	s.mu.Unlock()
	if hasRun {
		fields["pid"] = pid
		s.Terminate(pid)
	}
	s.staging.RemoveClient(clientID)

	events.Emit("info", "client.disconnected", "", fields)
	return true
}

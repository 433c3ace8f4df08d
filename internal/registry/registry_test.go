package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func newOutbox() chan []byte { return make(chan []byte, 8) }

func TestSetRoleRejectsSecondCall(t *testing.T) {
	r := New()
	connID := uuid.New()
	if err := r.SetRole(connID, "client"); err != nil {
		t.Fatalf("first SetRole: %v", err)
	}
	if err := r.SetRole(connID, "client"); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("got %v, want ErrAlreadyAuthenticated", err)
	}
}

func TestRegisterServerRejectsDuplicateName(t *testing.T) {
	r := New()
	a, b := uuid.New(), uuid.New()
	if err := r.RegisterServer(a, "build-box", "secret"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterServer(b, "build-box", "other"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("got %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegisterServerConcurrentOnlyOneWins(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = r.RegisterServer(uuid.New(), "shared-name", "pw") == nil
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range successes {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestOpenSessionValidatesServerAndPassword(t *testing.T) {
	r := New()
	serverConn := uuid.New()
	if err := r.RegisterServer(serverConn, "build-box", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.OpenSession(uuid.New(), "nope", "secret"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("got %v, want ErrUnknownServer", err)
	}
	if _, err := r.OpenSession(uuid.New(), "build-box", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("got %v, want ErrInvalidPassword", err)
	}

	clientConn := uuid.New()
	sess, err := r.OpenSession(clientConn, "build-box", "secret")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if sess.ServerConnID != serverConn || sess.ClientConnID != clientConn {
		t.Fatalf("unexpected session endpoints: %+v", sess)
	}
}

func TestRouteRejectsNonParticipant(t *testing.T) {
	r := New()
	serverConn, clientConn := uuid.New(), uuid.New()
	if err := r.RegisterServer(serverConn, "build-box", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	sess, err := r.OpenSession(clientConn, "build-box", "secret")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	if peer, err := r.Route(sess.ID, serverConn); err != nil || peer != clientConn {
		t.Fatalf("route from server: peer=%v err=%v", peer, err)
	}
	if peer, err := r.Route(sess.ID, clientConn); err != nil || peer != serverConn {
		t.Fatalf("route from client: peer=%v err=%v", peer, err)
	}
	if _, err := r.Route(sess.ID, uuid.New()); !errors.Is(err, ErrWrongConnection) {
		t.Fatalf("got %v, want ErrWrongConnection", err)
	}
	if _, err := r.Route(uuid.New(), serverConn); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("got %v, want ErrUnknownSession", err)
	}
}

func TestCloseSessionRequiresMatchingRole(t *testing.T) {
	r := New()
	serverConn, clientConn := uuid.New(), uuid.New()
	r.RegisterServer(serverConn, "build-box", "secret")
	sess, _ := r.OpenSession(clientConn, "build-box", "secret")

	if _, ok := r.CloseSessionAsServer(sess.ID, clientConn); ok {
		t.Fatalf("client connection should not be able to close as server")
	}
	if _, ok := r.CloseSessionAsServer(sess.ID, serverConn); !ok {
		t.Fatalf("expected server-initiated close to succeed")
	}
	if r.SessionParticipant(sess.ID, serverConn) {
		t.Fatalf("session should be gone after close")
	}
}

func TestDetachServerNotifiesClientWithServerDisconnectedReason(t *testing.T) {
	r := New()
	serverConn, clientConn := uuid.New(), uuid.New()
	r.Attach(serverConn, newOutbox())
	r.Attach(clientConn, newOutbox())
	r.RegisterServer(serverConn, "build-box", "secret")
	sess, err := r.OpenSession(clientConn, "build-box", "secret")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	notes := r.Detach(serverConn)
	if len(notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes))
	}
	if notes[0].Target != clientConn {
		t.Fatalf("expected notification targeted at client, got %v", notes[0].Target)
	}
	if notes[0].Message.Reason != "server disconnected" {
		t.Fatalf("got reason %q", notes[0].Message.Reason)
	}
	if r.SessionParticipant(sess.ID, clientConn) {
		t.Fatalf("session should be removed after detach")
	}
	if _, err := r.SenderFor(serverConn); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection for a detached connection, got %v", err)
	}
}

func TestDetachClearsServerRegistration(t *testing.T) {
	r := New()
	serverConn := uuid.New()
	r.Attach(serverConn, newOutbox())
	r.RegisterServer(serverConn, "build-box", "secret")

	r.Detach(serverConn)

	other := uuid.New()
	if err := r.RegisterServer(other, "build-box", "secret"); err != nil {
		t.Fatalf("expected name to be free after detach, got %v", err)
	}
}

package broker

import "fmt"

// HandleKind tags the two receive handle variants.
type HandleKind int

const (
	HandlePlain HandleKind = iota + 1
	HandleSession
)

func (k HandleKind) String() string {
	switch k {
	case HandlePlain:
		return "plain"
	case HandleSession:
		return "session"
	default:
		return fmt.Sprintf("handle_kind(%d)", int(k))
	}
}

// Handle is either a plain receiver bound to a target, or a session receiver
// bound to a target and one session id. Callers branch on Kind.
type Handle struct {
	kind    HandleKind
	target  Target
	plain   Receiver
	session SessionReceiver
}

// NewPlainHandle wraps a receiver without session semantics.
func NewPlainHandle(target Target, r Receiver) Handle {
	return Handle{kind: HandlePlain, target: target, plain: r}
}

// NewSessionHandle wraps a session receiver.
func NewSessionHandle(target Target, r SessionReceiver) Handle {
	return Handle{kind: HandleSession, target: target, session: r}
}

func (h Handle) Kind() HandleKind { return h.kind }
func (h Handle) Target() Target   { return h.target }

// Receiver returns the receive and settle surface shared by both variants.
func (h Handle) Receiver() Receiver {
	if h.kind == HandleSession {
		return h.session
	}
	return h.plain
}

// Session returns the session receiver for HandleSession handles.
func (h Handle) Session() (SessionReceiver, bool) {
	if h.kind != HandleSession {
		return nil, false
	}
	return h.session, true
}

// SessionID returns the locked session id, or "" for plain handles.
func (h Handle) SessionID() string {
	if h.kind != HandleSession || h.session == nil {
		return ""
	}
	return h.session.SessionID()
}

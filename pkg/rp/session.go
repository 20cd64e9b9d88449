package rp

import (
	"errors"
	"sync"

	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
)

// AttemptState tracks one authorization attempt through its lifecycle.
type AttemptState string

const (
	AttemptInitiated        AttemptState = "INITIATED"
	AttemptParSubmitted     AttemptState = "PAR_SUBMITTED"
	AttemptRedirected       AttemptState = "REDIRECTED"
	AttemptCallbackReceived AttemptState = "CALLBACK_RECEIVED"
	AttemptTokenExchanged   AttemptState = "TOKEN_EXCHANGED"
	AttemptAuthenticated    AttemptState = "AUTHENTICATED"
	AttemptFailed           AttemptState = "FAILED"
)

// AuthorizationSession is the per-user state that must survive the
// redirect boundary. The resuming callback request may be served by a
// different process, so everything needed after resumption lives here and
// not in orchestrator instances.
type AuthorizationSession struct {
	ID            string                `json:"id"`
	State         string                `json:"state"`
	Nonce         string                `json:"nonce"`
	CodeVerifier  string                `json:"code_verifier"`
	CodeChallenge string                `json:"code_challenge"`
	IntentID      string                `json:"intent_id"`
	RequestURI    string                `json:"request_uri"`
	AuthURL       string                `json:"auth_url"`
	TargetURL     string                `json:"target_url"`
	Attempt       AttemptState          `json:"attempt"`
	Token         *oauth2.TokenResponse `json:"token,omitempty"`
}

func (s *AuthorizationSession) Authenticated() bool {
	return s != nil && s.Attempt == AttemptAuthenticated && s.Token != nil
}

var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the durable per-session storage collaborator. The core
// only reads and writes AuthorizationSession fields through it.
type SessionStore interface {
	GetSession(id string) (*AuthorizationSession, error)
	SaveSession(session *AuthorizationSession) error
	DeleteSession(id string) error
}

type memorySessionStore struct {
	sessions map[string]*AuthorizationSession
	lock     sync.RWMutex
}

func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{
		sessions: make(map[string]*AuthorizationSession),
	}
}

func (s *memorySessionStore) GetSession(id string) (*AuthorizationSession, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *memorySessionStore) SaveSession(session *AuthorizationSession) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *memorySessionStore) DeleteSession(id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sessions, id)
	return nil
}

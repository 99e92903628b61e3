package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNoSession      = errors.New("server: no session cookie")
	ErrInvalidSession = errors.New("server: invalid session")
)

// Session is the server-side record behind a session cookie.
type Session struct {
	ID      string
	Created time.Time

	mu      sync.Mutex
	expires time.Time
	user    string
}

func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser attaches an authenticated identity; authentication itself happens
// in application handlers.
func (s *Session) SetUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

func (s *Session) Expires() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expires
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.Expires())
}

// SessionStore issues and verifies session cookies. The cookie value is an
// HS256 JWT carrying the session id ("sid") and expiry ("exp"); the session
// itself lives in memory.
type SessionStore struct {
	cookieName string
	maxAge     time.Duration
	secure     bool
	secret     []byte

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates a store. An empty secret is replaced by random bytes,
// which invalidates cookies across restarts.
func NewSessionStore(cookieName string, maxAge time.Duration, secret []byte, secure bool) (*SessionStore, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("server: generate session secret: %w", err)
		}
	}
	return &SessionStore{
		cookieName: cookieName,
		maxAge:     maxAge,
		secure:     secure,
		secret:     secret,
		sessions:   make(map[string]*Session),
	}, nil
}

// Issue confirms the request's session or creates a new one, and (re)sets the
// cookie so its lifetime starts over.
func (s *SessionStore) Issue(w http.ResponseWriter, r *http.Request) (*Session, bool, error) {
	now := time.Now()
	sess, err := s.FromRequest(r)
	created := false
	if err != nil {
		sess = &Session{ID: ulid.Make().String(), Created: now}
		created = true
	}
	sess.mu.Lock()
	sess.expires = now.Add(s.maxAge)
	sess.mu.Unlock()

	token, err := s.sign(sess.ID, sess.Expires())
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.sweepLocked(now)
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.maxAge / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, created, nil
}

// FromRequest returns the live session named by the request's cookie.
func (s *SessionStore) FromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	sid, err := s.verify(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	sess := s.Get(sid)
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrInvalidSession)
	}
	return sess, nil
}

// Get returns a live session by id.
func (s *SessionStore) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.expired(time.Now()) {
		return nil
	}
	return sess
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) sweepLocked(now time.Time) {
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
		}
	}
}

func (s *SessionStore) sign(sid string, exp time.Time) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sid": sid,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	})
	return token.SignedString(s.secret)
}

func (s *SessionStore) verify(raw string) (string, error) {
	token, err := gojwt.Parse(raw, func(t *gojwt.Token) (any, error) {
		return s.secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}), gojwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims")
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", errors.New("missing sid")
	}
	return sid, nil
}

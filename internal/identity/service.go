package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

// Service tracks the signed-in user, persists the session across
// restarts, and notifies listeners on auth state changes.
type Service struct {
	client *Client
	store  *storage.Store
	logger *slog.Logger

	mu        sync.Mutex
	session   *Session
	listeners map[int]func(*User)
	nextID    int
}

// NewService creates an identity service backed by the given auth
// client and local store.
func NewService(client *Client, store *storage.Store, logger *slog.Logger) *Service {
	return &Service{
		client:    client,
		store:     store,
		logger:    logger,
		listeners: make(map[int]func(*User)),
	}
}

// SignIn authenticates with the account service and persists the
// session, including a bcrypt hash of the password for offline resume.
func (s *Service) SignIn(ctx context.Context, email, password string) (User, error) {
	token, user, err := s.client.SignIn(ctx, email, password)
	if err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password for offline cache: %w", err)
	}

	sess := &Session{Token: token, User: user, PasswordHash: string(hash)}
	if err := s.saveSession(sess); err != nil {
		return User{}, err
	}

	s.setSession(sess)
	s.logger.Info("signed in", slog.String("uid", user.UID), slog.String("email", user.Email))

	return user, nil
}

// SignUp registers a new account, signing it in on success.
func (s *Service) SignUp(ctx context.Context, email, password string) (User, error) {
	token, user, err := s.client.SignUp(ctx, email, password)
	if err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password for offline cache: %w", err)
	}

	sess := &Session{Token: token, User: user, PasswordHash: string(hash)}
	if err := s.saveSession(sess); err != nil {
		return User{}, err
	}

	s.setSession(sess)
	s.logger.Info("account created", slog.String("uid", user.UID))

	return user, nil
}

// SignOut invalidates the remote session and clears the persisted one.
// The local session is cleared even when the remote call fails.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil {
		return bilmerrors.ErrNotSignedIn
	}

	remoteErr := s.client.SignOut(ctx, sess.Token)
	if remoteErr != nil {
		s.logger.Warn("remote sign-out failed, clearing local session anyway",
			slog.String("error", remoteErr.Error()),
		)
	}

	if err := s.store.Remove(storage.Local, storage.KeySession); err != nil {
		return fmt.Errorf("clearing persisted session: %w", err)
	}

	s.setSession(nil)
	s.logger.Info("signed out")

	return remoteErr
}

// Restore resumes a persisted session. The token is validated against
// the account service; if the service is unreachable the cached
// identity is trusted so the daemon can run offline. An invalid token
// clears the session and returns ErrInvalidSession.
func (s *Service) Restore(ctx context.Context) (User, error) {
	sess, err := s.loadSession()
	if err != nil {
		return User{}, err
	}

	if sess == nil {
		return User{}, bilmerrors.ErrNotSignedIn
	}

	user, err := s.client.CurrentUser(ctx, sess.Token)
	if err != nil {
		if IsTransient(err) {
			s.logger.Warn("account service unreachable, resuming cached session",
				slog.String("uid", sess.User.UID),
			)
			s.setSession(sess)

			return sess.User, nil
		}

		if removeErr := s.store.Remove(storage.Local, storage.KeySession); removeErr != nil {
			s.logger.Warn("clearing stale session", slog.String("error", removeErr.Error()))
		}

		return User{}, fmt.Errorf("%w: %w", bilmerrors.ErrInvalidSession, err)
	}

	sess.User = user
	s.setSession(sess)
	s.logger.Info("session restored", slog.String("uid", user.UID))

	return user, nil
}

// VerifyOffline checks credentials against the cached bcrypt hash
// without contacting the account service.
func (s *Service) VerifyOffline(email, password string) error {
	sess, err := s.loadSession()
	if err != nil {
		return err
	}

	if sess == nil || sess.PasswordHash == "" {
		return bilmerrors.ErrNotSignedIn
	}

	if sess.User.Email != email {
		return bilmerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(sess.PasswordHash), []byte(password)); err != nil {
		return bilmerrors.ErrInvalidCredentials
	}

	return nil
}

// CurrentUser returns the signed-in identity, or nil when signed out.
func (s *Service) CurrentUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}

	u := s.session.User

	return &u
}

// Token returns the active session token, or empty when signed out.
func (s *Service) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return ""
	}

	return s.session.Token
}

// OnAuthStateChanged registers a callback invoked with the new user on
// sign-in and nil on sign-out. Returns an unsubscribe function.
func (s *Service) OnAuthStateChanged(fn func(*User)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Service) setSession(sess *Session) {
	s.mu.Lock()
	s.session = sess

	var user *User
	if sess != nil {
		u := sess.User
		user = &u
	}

	fns := make([]func(*User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(user)
	}
}

func (s *Service) saveSession(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	if err := s.store.Set(storage.Local, storage.KeySession, string(data)); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	return nil
}

func (s *Service) loadSession() (*Session, error) {
	raw, ok := s.store.Get(storage.Local, storage.KeySession)
	if !ok {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decoding persisted session: %w", err)
	}

	return &sess, nil
}

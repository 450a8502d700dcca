package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"formcraft/api/internal/clock"
)

// StabilityDelay is how long identity must stay unchanged before Stable
// reports true.
const StabilityDelay = 500 * time.Millisecond

var ErrNotSignedIn = errors.New("client: not signed in")

// AuthSlice holds the current session. Identity changes are debounced so
// consumers can wait for Stable before loading user data.
type AuthSlice struct {
	mu      sync.Mutex
	backend Backend
	clock   clock.Clock

	session *Session
	user    *User
	stable  bool
	timer   clock.Timer
	gen     uint64
	lastErr error

	onUserChange func()
}

func (a *AuthSlice) SignIn(ctx context.Context, email, password string) (Session, error) {
	session, err := a.backend.SignIn(ctx, email, password)
	if err != nil {
		a.setErr(err)
		return Session{}, err
	}
	a.adopt(session)
	return session, nil
}

// Refresh rotates the refresh token. A rejected refresh signs the user out
// locally.
func (a *AuthSlice) Refresh(ctx context.Context) (Session, error) {
	a.mu.Lock()
	current := a.session
	a.mu.Unlock()
	if current == nil {
		return Session{}, ErrNotSignedIn
	}

	session, err := a.backend.Refresh(ctx, current.RefreshToken)
	if err != nil {
		a.setErr(err)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == 401 {
			a.clear()
		}
		return Session{}, err
	}
	a.adopt(session)
	return session, nil
}

// SignOut revokes the refresh token remotely and always clears local state.
func (a *AuthSlice) SignOut(ctx context.Context) error {
	a.mu.Lock()
	current := a.session
	a.mu.Unlock()

	var err error
	if current != nil {
		err = a.backend.SignOut(ctx, current.RefreshToken)
	}
	a.clear()
	a.setErr(err)
	return err
}

// HandleIdentity records an identity event. user may be nil for signed out.
func (a *AuthSlice) HandleIdentity(user *User) {
	a.mu.Lock()
	previous := ""
	if a.user != nil {
		previous = a.user.ID
	}
	next := ""
	if user != nil {
		copied := *user
		a.user = &copied
		next = user.ID
	} else {
		a.user = nil
	}

	a.stable = false
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.clock.AfterFunc(StabilityDelay, func() {
		a.mu.Lock()
		if a.gen == gen {
			a.stable = true
		}
		a.mu.Unlock()
	})
	notify := a.onUserChange
	a.mu.Unlock()

	if previous != next && notify != nil {
		notify()
	}
}

func (a *AuthSlice) Stable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stable
}

func (a *AuthSlice) User() (User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil {
		return User{}, false
	}
	return *a.user, true
}

func (a *AuthSlice) Session() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return Session{}, false
	}
	return *a.session, true
}

func (a *AuthSlice) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *AuthSlice) adopt(session Session) {
	a.backend.SetAccessToken(session.AccessToken)
	a.mu.Lock()
	a.session = &session
	a.lastErr = nil
	a.mu.Unlock()
	user := session.User
	a.HandleIdentity(&user)
}

func (a *AuthSlice) clear() {
	a.backend.SetAccessToken("")
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	a.HandleIdentity(nil)
}

func (a *AuthSlice) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

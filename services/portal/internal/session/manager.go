// Package session owns the portal's view of who is signed in and which
// role they hold.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cabohealth/pkg/domain"
	"cabohealth/pkg/roles"
	"cabohealth/services/portal/internal/authclient"
)

var (
	ErrInvalidRole     = errors.New("role must be doctor or patient")
	ErrNotSignedIn     = errors.New("not signed in")
	ErrProfileComplete = errors.New("identity already has a profile")
)

// SessionStore is the identity backend.
type SessionStore interface {
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password string) (domain.User, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (domain.User, bool, error)
	OnAuthStateChange(fn func(authclient.Event)) func()
}

type RoleResolver interface {
	Resolve(ctx context.Context, identityID string) (roles.Resolution, error)
}

// ProfileWriter inserts the role profile of a new identity.
type ProfileWriter interface {
	CreateDoctor(ctx context.Context, d domain.Doctor) (domain.Doctor, error)
	CreatePatient(ctx context.Context, p domain.Patient) (domain.Patient, error)
}

// ProfileFields are the optional profile attributes collected at sign-up.
// Doctor-only and patient-only fields are ignored for the other role.
type ProfileFields struct {
	Name          string
	Email         string
	Phone         string
	Specialty     string
	LicenseNumber string
	ClinicName    string
	BirthDate     string
	Gender        string
}

// ProfileInsertError means the identity was created but its profile was
// not. The identity is left in place.
type ProfileInsertError struct {
	IdentityID string
	Role       domain.Role
	Err        error
}

func (e *ProfileInsertError) Error() string {
	return fmt.Sprintf("create %s profile for %s: %v", e.Role, e.IdentityID, e.Err)
}

func (e *ProfileInsertError) Unwrap() error { return e.Err }

// State is a snapshot of the session.
type State struct {
	User      domain.User
	Role      domain.Role
	ProfileID string
	Loading   bool
	Err       error
}

// Authenticated reports whether an identity is signed in.
func (s State) Authenticated() bool { return s.User.ID != "" }

type Manager struct {
	store    SessionStore
	resolver RoleResolver
	profiles ProfileWriter
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	version   uint64
	baseCtx   context.Context
	observers map[int]func(State)
	nextID    int
	unsub     func()
}

func NewManager(store SessionStore, resolver RoleResolver, profiles ProfileWriter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		resolver:  resolver,
		profiles:  profiles,
		logger:    logger,
		baseCtx:   context.Background(),
		observers: make(map[int]func(State)),
	}
}

// Start restores any existing session and then follows the store's
// notifications until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.state.Loading = true
	m.baseCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()
	m.publish()

	err := m.restore(ctx)

	m.mu.Lock()
	m.state.Loading = false
	if m.unsub == nil {
		m.unsub = m.store.OnAuthStateChange(m.handleEvent)
	}
	m.mu.Unlock()
	m.publish()
	return err
}

func (m *Manager) restore(ctx context.Context) error {
	user, ok, err := m.store.CurrentUser(ctx)
	if err != nil {
		m.mu.Lock()
		m.state.Err = err
		m.mu.Unlock()
		return err
	}
	if !ok {
		return nil
	}
	version := m.setIdentity(user)
	return m.resolve(ctx, version, user.ID)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state change.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// SignIn delegates to the store; the state follows from its notification.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	return m.store.SignIn(ctx, email, password)
}

// SignUp creates the identity, then the profile for role. An identity error
// is returned as is. A profile error comes back as *ProfileInsertError.
func (m *Manager) SignUp(ctx context.Context, email, password string, role domain.Role, fields ProfileFields) error {
	if err := checkProfileRole(role); err != nil {
		return err
	}
	user, err := m.store.SignUp(ctx, email, password)
	if err != nil {
		return err
	}
	return m.insertProfile(ctx, user, role, fields)
}

// CompleteProfile retries the profile insert for a signed-in identity that
// has none yet.
func (m *Manager) CompleteProfile(ctx context.Context, role domain.Role, fields ProfileFields) error {
	if err := checkProfileRole(role); err != nil {
		return err
	}
	st := m.State()
	if !st.Authenticated() {
		return ErrNotSignedIn
	}
	switch st.Role {
	case domain.RoleNone:
	case domain.RoleDoctor, domain.RolePatient:
		return ErrProfileComplete
	}
	return m.insertProfile(ctx, st.User, role, fields)
}

func (m *Manager) insertProfile(ctx context.Context, user domain.User, role domain.Role, f ProfileFields) error {
	email := strings.TrimSpace(f.Email)
	if email == "" {
		email = user.Email
	}
	var err error
	switch role {
	case domain.RoleDoctor:
		_, err = m.profiles.CreateDoctor(ctx, domain.Doctor{
			ID:            user.ID,
			Email:         email,
			Name:          strings.TrimSpace(f.Name),
			Specialty:     strings.TrimSpace(f.Specialty),
			LicenseNumber: strings.TrimSpace(f.LicenseNumber),
			ClinicName:    strings.TrimSpace(f.ClinicName),
			Phone:         strings.TrimSpace(f.Phone),
		})
	case domain.RolePatient:
		_, err = m.profiles.CreatePatient(ctx, domain.Patient{
			ID:        user.ID,
			Email:     email,
			Name:      strings.TrimSpace(f.Name),
			BirthDate: strings.TrimSpace(f.BirthDate),
			Gender:    strings.TrimSpace(f.Gender),
			Phone:     strings.TrimSpace(f.Phone),
		})
	case domain.RoleNone:
		err = ErrInvalidRole
	}
	if err != nil {
		m.logger.Warn("profile insert failed", "user_id", user.ID, "role", role.String(), "err", err)
		return &ProfileInsertError{IdentityID: user.ID, Role: role, Err: err}
	}

	m.mu.Lock()
	version := m.version
	current := m.state.User.ID
	m.mu.Unlock()
	switch current {
	case user.ID:
	case "":
		version = m.setIdentity(user)
	default:
		// Another identity signed in meanwhile.
		return nil
	}
	return m.resolve(ctx, version, user.ID)
}

func checkProfileRole(role domain.Role) error {
	switch role {
	case domain.RoleDoctor, domain.RolePatient:
		return nil
	case domain.RoleNone:
	}
	return ErrInvalidRole
}

// SignOut clears local state even when the store reports an error.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.store.SignOut(ctx)
	m.clear()
	return err
}

// Close stops following the store and drops observers.
func (m *Manager) Close() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.observers = make(map[int]func(State))
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (m *Manager) handleEvent(ev authclient.Event) {
	switch ev.Type {
	case authclient.SignedOut:
		m.clear()
		return
	case authclient.TokenRefreshed:
		m.mu.Lock()
		same := m.state.User.ID == ev.User.ID && m.state.Err == nil
		if same {
			m.state.User = ev.User
		}
		m.mu.Unlock()
		if same {
			m.publish()
			return
		}
	case authclient.SignedIn:
	}
	if ev.User.ID == "" {
		m.clear()
		return
	}
	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()
	version := m.setIdentity(ev.User)
	if err := m.resolve(ctx, version, ev.User.ID); err != nil {
		m.logger.Error("role resolution failed", "user_id", ev.User.ID, "event", string(ev.Type), "err", err)
	}
}

// setIdentity records a new identity with an unresolved role and returns
// the version a later resolution must match.
func (m *Manager) setIdentity(user domain.User) uint64 {
	m.mu.Lock()
	m.version++
	m.state.User = user
	m.state.Role = domain.RoleNone
	m.state.ProfileID = ""
	m.state.Err = nil
	v := m.version
	m.mu.Unlock()
	m.publish()
	return v
}

// resolve applies the resolved role only if no newer identity arrived.
func (m *Manager) resolve(ctx context.Context, version uint64, identityID string) error {
	res, err := m.resolver.Resolve(ctx, identityID)
	m.mu.Lock()
	if m.version != version {
		m.mu.Unlock()
		return err
	}
	if err != nil {
		m.state.Role = domain.RoleNone
		m.state.ProfileID = ""
		m.state.Err = err
	} else {
		m.state.Role = res.Role
		m.state.ProfileID = res.ProfileID
		m.state.Err = nil
	}
	m.mu.Unlock()
	m.publish()
	return err
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.version++
	m.state = State{Loading: m.state.Loading}
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) publish() {
	m.mu.Lock()
	st := m.state
	observers := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

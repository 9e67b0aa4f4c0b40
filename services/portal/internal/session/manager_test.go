package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cabohealth/pkg/domain"
	"cabohealth/pkg/roles"
	"cabohealth/services/portal/internal/authclient"
)

type fakeStore struct {
	mu         sync.Mutex
	current    *domain.User
	users      map[string]domain.User // email -> user
	signUpErr  error
	signOutErr error
	listeners  []func(authclient.Event)
	signUps    int
}

func (s *fakeStore) SignIn(_ context.Context, email, _ string) error {
	s.mu.Lock()
	u, ok := s.users[email]
	if ok {
		s.current = &u
	}
	s.mu.Unlock()
	if !ok {
		return &authclient.APIError{Status: 401, Message: "invalid credentials"}
	}
	s.emit(authclient.Event{Type: authclient.SignedIn, User: u})
	return nil
}

func (s *fakeStore) SignUp(_ context.Context, email, _ string) (domain.User, error) {
	s.mu.Lock()
	s.signUps++
	if s.signUpErr != nil {
		s.mu.Unlock()
		return domain.User{}, s.signUpErr
	}
	u := domain.User{ID: "id-" + email, Email: email, Status: domain.StatusActive}
	s.users[email] = u
	s.current = &u
	s.mu.Unlock()
	s.emit(authclient.Event{Type: authclient.SignedIn, User: u})
	return u, nil
}

func (s *fakeStore) SignOut(context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.emit(authclient.Event{Type: authclient.SignedOut})
	return s.signOutErr
}

func (s *fakeStore) CurrentUser(context.Context) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.User{}, false, nil
	}
	return *s.current, true, nil
}

func (s *fakeStore) OnAuthStateChange(fn func(authclient.Event)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.listeners[idx] = nil
		s.mu.Unlock()
	}
}

func (s *fakeStore) emit(ev authclient.Event) {
	s.mu.Lock()
	listeners := append([]func(authclient.Event){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(ev)
		}
	}
}

// fakeDirectory backs a real roles.Resolver.
type fakeDirectory struct {
	mu       sync.Mutex
	doctors  map[string]bool
	patients map[string]bool
	err      error
	gate     map[string]chan struct{}
}

func (d *fakeDirectory) FindDoctor(_ context.Context, id string) (string, bool, error) {
	d.mu.Lock()
	gate := d.gate[id]
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", false, d.err
	}
	return id, d.doctors[id], nil
}

func (d *fakeDirectory) FindPatient(_ context.Context, id string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return id, d.patients[id], nil
}

type fakeProfiles struct {
	dir      *fakeDirectory
	err      error
	doctors  []domain.Doctor
	patients []domain.Patient
}

func (p *fakeProfiles) CreateDoctor(_ context.Context, d domain.Doctor) (domain.Doctor, error) {
	if p.err != nil {
		return domain.Doctor{}, p.err
	}
	p.doctors = append(p.doctors, d)
	p.dir.mu.Lock()
	p.dir.doctors[d.ID] = true
	p.dir.mu.Unlock()
	return d, nil
}

func (p *fakeProfiles) CreatePatient(_ context.Context, pt domain.Patient) (domain.Patient, error) {
	if p.err != nil {
		return domain.Patient{}, p.err
	}
	p.patients = append(p.patients, pt)
	p.dir.mu.Lock()
	p.dir.patients[pt.ID] = true
	p.dir.mu.Unlock()
	return pt, nil
}

type fixture struct {
	store    *fakeStore
	dir      *fakeDirectory
	profiles *fakeProfiles
	mgr      *Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := &fakeStore{users: map[string]domain.User{
		"doc@example.com": {ID: "doc-1", Email: "doc@example.com"},
		"ana@example.com": {ID: "pat-1", Email: "ana@example.com"},
	}}
	dir := &fakeDirectory{
		doctors:  map[string]bool{"doc-1": true},
		patients: map[string]bool{"pat-1": true},
		gate:     map[string]chan struct{}{},
	}
	profiles := &fakeProfiles{dir: dir}
	mgr := NewManager(store, roles.NewResolver(dir), profiles, nil)
	t.Cleanup(mgr.Close)
	return fixture{store: store, dir: dir, profiles: profiles, mgr: mgr}
}

func TestStartWithoutSession(t *testing.T) {
	f := newFixture(t)
	var loadingSeen bool
	f.mgr.Subscribe(func(s State) {
		if s.Loading {
			loadingSeen = true
		}
	})
	if err := f.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := f.mgr.State()
	if st.Authenticated() || st.Loading || st.Role != domain.RoleNone {
		t.Fatalf("unexpected state: %+v", st)
	}
	if !loadingSeen {
		t.Fatalf("observers should see the loading phase")
	}
}

func TestStartRestoresSessionRole(t *testing.T) {
	f := newFixture(t)
	u := f.store.users["ana@example.com"]
	f.store.current = &u
	if err := f.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := f.mgr.State(); st.Role != domain.RolePatient || st.ProfileID != "pat-1" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestStartReturnsResolveError(t *testing.T) {
	f := newFixture(t)
	u := f.store.users["doc@example.com"]
	f.store.current = &u
	f.dir.err = errors.New("records down")
	if err := f.mgr.Start(context.Background()); err == nil {
		t.Fatalf("expected resolve error")
	}
	st := f.mgr.State()
	if st.Loading || st.Role != domain.RoleNone || st.Err == nil {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestSignInResolvesThroughNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.mgr.SignIn(ctx, "doc@example.com", "x"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if st := f.mgr.State(); st.Role != domain.RoleDoctor || st.User.ID != "doc-1" {
		t.Fatalf("unexpected state: %+v", st)
	}

	err := f.mgr.SignIn(ctx, "nobody@example.com", "x")
	var apiErr *authclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "invalid credentials" {
		t.Fatalf("expected verbatim auth error, got %v", err)
	}
}

func TestSignUpCreatesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := f.mgr.SignUp(ctx, "new@example.com", "x", domain.RolePatient, ProfileFields{Name: " Luisa ", BirthDate: "1990-02-03"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if len(f.profiles.patients) != 1 {
		t.Fatalf("expected one patient insert, got %+v", f.profiles.patients)
	}
	p := f.profiles.patients[0]
	if p.ID != "id-new@example.com" || p.Email != "new@example.com" || p.Name != "Luisa" || p.BirthDate != "1990-02-03" {
		t.Fatalf("unexpected patient: %+v", p)
	}
	if st := f.mgr.State(); st.Role != domain.RolePatient {
		t.Fatalf("expected patient role after sign up, got %+v", st)
	}
}

func TestSignUpIdentityErrorSkipsProfile(t *testing.T) {
	f := newFixture(t)
	f.store.signUpErr = &authclient.APIError{Status: 409, Message: "email already registered"}
	err := f.mgr.SignUp(context.Background(), "ana@example.com", "x", domain.RoleDoctor, ProfileFields{Name: "Ana"})
	var apiErr *authclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "email already registered" {
		t.Fatalf("expected identity error, got %v", err)
	}
	if len(f.profiles.doctors) != 0 {
		t.Fatalf("no profile insert expected")
	}
}

func TestSignUpRejectsRoleNone(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.SignUp(context.Background(), "x@example.com", "x", domain.RoleNone, ProfileFields{}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if f.store.signUps != 0 {
		t.Fatalf("store must not be called")
	}
}

func TestSignUpProfileFailureThenCompleteProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.profiles.err = errors.New("insert failed")
	err := f.mgr.SignUp(ctx, "doc2@example.com", "x", domain.RoleDoctor, ProfileFields{Name: "Dr. Ruiz"})
	var insertErr *ProfileInsertError
	if !errors.As(err, &insertErr) || insertErr.IdentityID != "id-doc2@example.com" || insertErr.Role != domain.RoleDoctor {
		t.Fatalf("expected ProfileInsertError, got %v", err)
	}
	st := f.mgr.State()
	if !st.Authenticated() || st.Role != domain.RoleNone {
		t.Fatalf("identity should remain with role none: %+v", st)
	}

	f.profiles.err = nil
	if err := f.mgr.CompleteProfile(ctx, domain.RoleDoctor, ProfileFields{Name: "Dr. Ruiz"}); err != nil {
		t.Fatalf("complete profile: %v", err)
	}
	if st := f.mgr.State(); st.Role != domain.RoleDoctor {
		t.Fatalf("expected doctor after completing profile, got %+v", st)
	}
	if err := f.mgr.CompleteProfile(ctx, domain.RolePatient, ProfileFields{Name: "x"}); !errors.Is(err, ErrProfileComplete) {
		t.Fatalf("expected ErrProfileComplete, got %v", err)
	}
}

func TestSignOutClearsEvenOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.mgr.SignIn(ctx, "ana@example.com", "x"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	f.store.signOutErr = errors.New("network down")
	if err := f.mgr.SignOut(ctx); err == nil {
		t.Fatalf("expected store error")
	}
	if st := f.mgr.State(); st.Authenticated() || st.Role != domain.RoleNone {
		t.Fatalf("state must be cleared: %+v", st)
	}
}

func TestStaleResolutionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	gate := make(chan struct{})
	f.dir.mu.Lock()
	f.dir.gate["doc-1"] = gate
	f.dir.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.mgr.SignIn(ctx, "doc@example.com", "x")
	}()
	// Wait until the doctor identity is recorded and its resolution is blocked.
	deadline := time.Now().Add(2 * time.Second)
	for f.mgr.State().User.ID != "doc-1" {
		if time.Now().After(deadline) {
			t.Fatalf("doctor sign in never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.mgr.SignIn(ctx, "ana@example.com", "x"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	close(gate)
	<-done

	st := f.mgr.State()
	if st.User.ID != "pat-1" || st.Role != domain.RolePatient {
		t.Fatalf("stale doctor resolution overwrote newer identity: %+v", st)
	}
}

func TestNotificationResolveErrorIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.dir.err = errors.New("records down")
	if err := f.mgr.SignIn(ctx, "doc@example.com", "x"); err != nil {
		t.Fatalf("sign in itself should succeed: %v", err)
	}
	st := f.mgr.State()
	if st.Err == nil || st.Role != domain.RoleNone || !st.Authenticated() {
		t.Fatalf("expected recorded error with role none: %+v", st)
	}
}

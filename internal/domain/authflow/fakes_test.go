package authflow_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"telegram-authbot/internal/domain/authflow"
)

const (
	testChat  = int64(1001)
	testPhone = "+15551234567"
	testCode  = "12345"
	testPwd   = "secret"
)

var testAccount = authflow.Account{ID: 77, Username: "second", FirstName: "Second", Phone: "15551234567"}

type fakeGateway struct {
	mu sync.Mutex

	sendCode  func(phone string) (authflow.SentCode, error)
	resend    func(hash string) (authflow.SentCode, error)
	signIn    func(code string) (authflow.Account, error)
	password  func(pwd string) (authflow.Account, error)
	self      func() (authflow.Account, error)
	logoutErr error
	hint      string

	calls  []string
	closed int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sendCode: func(string) (authflow.SentCode, error) {
			return authflow.SentCode{Hash: "hash-1", Type: authflow.CodeTypeSMS, Length: 5, NextType: authflow.CodeTypeCall}, nil
		},
		resend: func(string) (authflow.SentCode, error) {
			return authflow.SentCode{Hash: "hash-2", Type: authflow.CodeTypeCall, Length: 5}, nil
		},
		signIn: func(code string) (authflow.Account, error) {
			if code == testCode {
				return testAccount, nil
			}
			return authflow.Account{}, authflow.ErrInvalidCode
		},
		password: func(pwd string) (authflow.Account, error) {
			if pwd == testPwd {
				return testAccount, nil
			}
			return authflow.Account{}, authflow.ErrInvalidPassword
		},
		self: func() (authflow.Account, error) {
			return authflow.Account{}, authflow.ErrNotAuthorized
		},
		hint: "pet name",
	}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) count(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGateway) SendCode(_ context.Context, phone string) (authflow.SentCode, error) {
	g.record("SendCode")
	return g.sendCode(phone)
}

func (g *fakeGateway) ResendCode(_ context.Context, _, hash string) (authflow.SentCode, error) {
	g.record("ResendCode")
	return g.resend(hash)
}

func (g *fakeGateway) CancelCode(context.Context, string, string) error {
	g.record("CancelCode")
	return nil
}

func (g *fakeGateway) SignIn(_ context.Context, _, code, _ string) (authflow.Account, error) {
	g.record("SignIn")
	return g.signIn(code)
}

func (g *fakeGateway) PasswordHint(context.Context) (string, error) {
	g.record("PasswordHint")
	return g.hint, nil
}

func (g *fakeGateway) CheckPassword(_ context.Context, pwd string) (authflow.Account, error) {
	g.record("CheckPassword")
	return g.password(pwd)
}

func (g *fakeGateway) Self(context.Context) (authflow.Account, error) {
	g.record("Self")
	return g.self()
}

func (g *fakeGateway) LogOut(context.Context) error {
	g.record("LogOut")
	return g.logoutErr
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

type fakeDialer struct {
	mu        sync.Mutex
	gw        *fakeGateway
	openErr   error
	opened    int
	forgotten []int64
}

func (d *fakeDialer) Open(context.Context, int64) (authflow.Gateway, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	return d.gw, nil
}

func (d *fakeDialer) Forget(chatID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgotten = append(d.forgotten, chatID)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	replies map[int64][]authflow.Reply
}

func (n *fakeNotifier) Notify(_ context.Context, chatID int64, r authflow.Reply) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.replies == nil {
		n.replies = make(map[int64][]authflow.Reply)
	}
	n.replies[chatID] = append(n.replies[chatID], r)
	return nil
}

func (n *fakeNotifier) sent(chatID int64) []authflow.Reply {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.replies[chatID])
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	o        *authflow.Orchestrator
	store    authflow.Store
	dialer   *fakeDialer
	gw       *fakeGateway
	clock    *testClock
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, authflow.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store authflow.Store) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		gw:       newFakeGateway(),
		clock:    &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		notifier: &fakeNotifier{},
	}
	h.dialer = &fakeDialer{gw: h.gw}
	h.o = authflow.New(h.store, h.dialer, authflow.Options{
		SessionTTL:          10 * time.Minute,
		MaxPhoneAttempts:    3,
		MaxCodeAttempts:     3,
		MaxPasswordAttempts: 2,
		StepTimeout:         time.Second,
		Now:                 h.clock.Now,
	})
	h.o.SetNotifier(h.notifier)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) session(t *testing.T) (authflow.Session, bool) {
	t.Helper()
	s, err := h.store.Get(context.Background(), testChat)
	if errors.Is(err, authflow.ErrNoSession) {
		return authflow.Session{}, false
	}
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	return s, true
}

func (h *harness) mustStage(t *testing.T, want authflow.Stage) authflow.Session {
	t.Helper()
	s, ok := h.session(t)
	if !ok {
		if want == authflow.StageIdle {
			return authflow.Session{}
		}
		t.Fatalf("session missing, want stage %s", want)
	}
	if s.Stage != want {
		t.Fatalf("stage = %s, want %s", s.Stage, want)
	}
	return s
}

func (h *harness) text(t *testing.T, input string) authflow.Reply {
	t.Helper()
	r, err := h.o.HandleText(context.Background(), testChat, input)
	if err != nil {
		t.Fatalf("HandleText(%q): %v", input, err)
	}
	return r
}

func (h *harness) start(t *testing.T) authflow.Reply {
	t.Helper()
	r, err := h.o.Start(context.Background(), testChat)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r
}

// toCode проводит чат до шага ввода кода.
func (h *harness) toCode(t *testing.T) {
	t.Helper()
	h.start(t)
	h.text(t, testPhone)
	h.mustStage(t, authflow.StageAwaitingCode)
}

// toPassword проводит чат до шага ввода пароля.
func (h *harness) toPassword(t *testing.T) {
	t.Helper()
	h.gw.signIn = func(string) (authflow.Account, error) { return authflow.Account{}, authflow.ErrPasswordRequired }
	h.toCode(t)
	h.text(t, testCode)
	h.mustStage(t, authflow.StageAwaitingPassword)
}

func hasAction(r authflow.Reply, a authflow.Action) bool {
	return slices.Contains(r.Actions, a)
}

package authflow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telegram-authbot/internal/domain/authflow"
)

func TestLoginWithPassword(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := h.start(t)
	if !r.RequestContact || !hasAction(r, authflow.ActionCancel) {
		t.Fatalf("start reply must offer contact button and cancel: %+v", r)
	}
	h.mustStage(t, authflow.StageAwaitingPhone)

	r = h.text(t, "+1 (555) 123-4567")
	s := h.mustStage(t, authflow.StageAwaitingCode)
	if s.Phone != testPhone || s.CodeHash != "hash-1" || s.CodeLength != 5 || s.CodeType != authflow.CodeTypeSMS {
		t.Fatalf("code data not stored: %+v", s)
	}
	if !strings.Contains(r.Text, "by SMS") || !hasAction(r, authflow.ActionResend) {
		t.Fatalf("unexpected code prompt: %+v", r)
	}

	h.gw.signIn = func(code string) (authflow.Account, error) {
		if code != testCode {
			t.Errorf("code was not normalised: %q", code)
		}
		return authflow.Account{}, authflow.ErrPasswordRequired
	}
	r = h.text(t, "1-2-3-4-5")
	s = h.mustStage(t, authflow.StageAwaitingPassword)
	if !r.DeleteInput {
		t.Fatal("message with a code must be deleted")
	}
	if s.PasswordHint != "pet name" || !strings.Contains(r.Text, "pet name") {
		t.Fatalf("hint missing: %+v / %+v", s, r)
	}
	if s.CodeHash != "" {
		t.Fatal("code hash must be cleared after sign-in step")
	}

	r = h.text(t, testPwd)
	s = h.mustStage(t, authflow.StageAuthenticated)
	if !r.DeleteInput || !hasAction(r, authflow.ActionLogout) {
		t.Fatalf("unexpected success reply: %+v", r)
	}
	if s.Account == nil || s.Account.ID != testAccount.ID {
		t.Fatalf("account not stored: %+v", s.Account)
	}
	if h.o.OpenGateways() != 0 {
		t.Fatal("gateway must be closed after authorization")
	}

	r = h.text(t, "anything")
	if !strings.Contains(r.Text, "already connected") {
		t.Fatalf("authenticated chat must get informative reply: %q", r.Text)
	}
	r = h.start(t)
	if !strings.Contains(r.Text, "already connected") {
		t.Fatalf("start on authenticated chat: %q", r.Text)
	}
}

func TestLoginWithoutPassword(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.toCode(t)
	r := h.text(t, "12 345")
	h.mustStage(t, authflow.StageAuthenticated)
	if !strings.Contains(r.Text, "Logged in as Second (@second)") {
		t.Fatalf("unexpected reply: %q", r.Text)
	}
}

func TestSendCodeAuthorizesImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.sendCode = func(string) (authflow.SentCode, error) {
		acc := testAccount
		return authflow.SentCode{Account: &acc}, nil
	}

	h.start(t)
	h.text(t, testPhone)
	h.mustStage(t, authflow.StageAuthenticated)
}

func TestStartRestoresAuthorizedSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.self = func() (authflow.Account, error) { return testAccount, nil }

	r := h.start(t)
	h.mustStage(t, authflow.StageAuthenticated)
	if !hasAction(r, authflow.ActionLogout) {
		t.Fatalf("restored session must offer logout: %+v", r)
	}
}

func TestIdleChatGetsHint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := h.text(t, "hello")
	if !strings.Contains(r.Text, "/start") {
		t.Fatalf("idle reply must point to /start: %q", r.Text)
	}
	if _, ok := h.session(t); ok {
		t.Fatal("idle chat must not create a session")
	}
}

func TestInvalidPhone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		remote bool
	}{
		{name: "local validation", remote: false},
		{name: "provider rejects", remote: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			input := "12ab"
			if tc.remote {
				input = testPhone
				h.gw.sendCode = func(string) (authflow.SentCode, error) {
					return authflow.SentCode{}, authflow.ErrInvalidPhone
				}
			}

			h.start(t)
			r := h.text(t, input)
			s := h.mustStage(t, authflow.StageAwaitingPhone)
			if s.PhoneAttempts != 1 || !strings.Contains(r.Text, "Attempts left: 2") || !r.RequestContact {
				t.Fatalf("unexpected state after first failure: %+v / %+v", s, r)
			}
			h.text(t, input)
			r = h.text(t, input)
			h.mustStage(t, authflow.StageIdle)
			if !strings.Contains(r.Text, "Too many") {
				t.Fatalf("unexpected final reply: %q", r.Text)
			}
			if !tc.remote && h.gw.count("SendCode") != 0 {
				t.Fatal("locally invalid phone must not reach the provider")
			}
		})
	}
}

func TestRateLimitIsAnsweredLocally(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.sendCode = func(string) (authflow.SentCode, error) {
		return authflow.SentCode{}, &authflow.RateLimitError{Wait: 90 * time.Second}
	}

	h.start(t)
	r := h.text(t, testPhone)
	s := h.mustStage(t, authflow.StageAwaitingPhone)
	if !s.RetryAt.Equal(h.clock.Now().Add(90 * time.Second)) {
		t.Fatalf("RetryAt = %v", s.RetryAt)
	}
	if !strings.Contains(r.Text, "1m30s") {
		t.Fatalf("wait not reported: %q", r.Text)
	}

	h.clock.Advance(30 * time.Second)
	r = h.text(t, testPhone)
	if !strings.Contains(r.Text, "1m0s") || h.gw.count("SendCode") != 1 {
		t.Fatalf("input before RetryAt must be answered locally: %q, calls %d", r.Text, h.gw.count("SendCode"))
	}

	// Перезапуск не снимает ограничение.
	r = h.start(t)
	if !strings.Contains(r.Text, "wait") {
		t.Fatalf("restart must keep the wait: %q", r.Text)
	}

	h.clock.Advance(2 * time.Minute)
	h.gw.sendCode = newFakeGateway().sendCode
	h.text(t, testPhone)
	s = h.mustStage(t, authflow.StageAwaitingCode)
	if !s.RetryAt.IsZero() {
		t.Fatal("RetryAt must be cleared after a successful call")
	}
}

func TestRateLimitOnCodeDeletesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)
	h.gw.signIn = func(string) (authflow.Account, error) {
		return authflow.Account{}, &authflow.RateLimitError{Wait: time.Minute}
	}

	h.text(t, testCode)
	r := h.text(t, testCode)
	if !r.DeleteInput {
		t.Fatal("locally answered code must still be deleted")
	}
	if h.gw.count("SignIn") != 1 {
		t.Fatalf("SignIn calls = %d", h.gw.count("SignIn"))
	}
}

func TestInvalidCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)

	r := h.text(t, "11111")
	s := h.mustStage(t, authflow.StageAwaitingCode)
	if s.CodeAttempts != 1 || !strings.Contains(r.Text, "Attempts left: 2") || !r.DeleteInput {
		t.Fatalf("unexpected state: %+v / %+v", s, r)
	}

	// Неверная длина отсекается локально, но считается попыткой.
	h.text(t, "123")
	if h.gw.count("SignIn") != 1 {
		t.Fatalf("malformed code reached provider: %d calls", h.gw.count("SignIn"))
	}

	r = h.text(t, "22222")
	s = h.mustStage(t, authflow.StageAwaitingPhone)
	if s.CodeHash != "" || s.Phone != "" || !r.RequestContact {
		t.Fatalf("too many codes must restart from phone: %+v / %+v", s, r)
	}
	if h.gw.count("CancelCode") != 1 {
		t.Fatal("abandoned code must be cancelled")
	}
}

func TestExpiredCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)
	h.gw.signIn = func(string) (authflow.Account, error) { return authflow.Account{}, authflow.ErrCodeExpired }

	r := h.text(t, testCode)
	h.mustStage(t, authflow.StageAwaitingCode)
	if !hasAction(r, authflow.ActionResend) || !hasAction(r, authflow.ActionRestart) {
		t.Fatalf("expired code reply must offer resend and restart: %+v", r)
	}
}

func TestInvalidPassword(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toPassword(t)

	r := h.text(t, "wrong")
	s := h.mustStage(t, authflow.StageAwaitingPassword)
	if s.PasswordAttempts != 1 || !strings.Contains(r.Text, "Hint: pet name") || !r.DeleteInput {
		t.Fatalf("unexpected state: %+v / %+v", s, r)
	}

	r = h.text(t, "wrong again")
	h.mustStage(t, authflow.StageIdle)
	if !strings.Contains(r.Text, "Too many wrong passwords") || !r.DeleteInput {
		t.Fatalf("unexpected final reply: %+v", r)
	}
	if h.o.OpenGateways() != 0 {
		t.Fatal("gateway must be closed")
	}
}

func TestTerminalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness)
		input func(t *testing.T, h *harness) authflow.Reply
		want  string
	}{
		{
			name: "banned",
			setup: func(h *harness) {
				h.gw.sendCode = func(string) (authflow.SentCode, error) { return authflow.SentCode{}, authflow.ErrPhoneBanned }
			},
			input: func(t *testing.T, h *harness) authflow.Reply { h.start(t); return h.text(t, testPhone) },
			want:  "banned",
		},
		{
			name: "sign up required",
			setup: func(h *harness) {
				h.gw.signIn = func(string) (authflow.Account, error) { return authflow.Account{}, authflow.ErrSignUpRequired }
			},
			input: func(t *testing.T, h *harness) authflow.Reply { h.toCode(t); return h.text(t, testCode) },
			want:  "not registered",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h)
			r := tc.input(t, h)
			h.mustStage(t, authflow.StageIdle)
			if !strings.Contains(r.Text, tc.want) {
				t.Fatalf("reply %q does not mention %q", r.Text, tc.want)
			}
		})
	}
}

func TestUnknownErrorKeepsStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)
	h.gw.signIn = func(string) (authflow.Account, error) { return authflow.Account{}, errors.New("connection reset") }

	r := h.text(t, testCode)
	s := h.mustStage(t, authflow.StageAwaitingCode)
	if s.CodeAttempts != 0 || !strings.Contains(r.Text, "try again later") {
		t.Fatalf("unexpected state: %+v / %+v", s, r)
	}
	if h.o.OpenGateways() != 0 {
		t.Fatal("broken gateway must be dropped")
	}

	h.gw.signIn = newFakeGateway().signIn
	h.text(t, testCode)
	h.mustStage(t, authflow.StageAuthenticated)
	if h.dialer.opened != 2 {
		t.Fatalf("gateway must be reopened, opened %d times", h.dialer.opened)
	}
}

func TestOpenFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.openErr = errors.New("dial tcp: timeout")

	h.start(t)
	r := h.text(t, testPhone)
	h.mustStage(t, authflow.StageAwaitingPhone)
	if !strings.Contains(r.Text, "try again later") {
		t.Fatalf("unexpected reply: %q", r.Text)
	}
}

func TestResend(t *testing.T) {
	t.Parallel()

	t.Run("next channel", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.toCode(t)
		h.text(t, "11111")

		r, err := h.o.Resend(context.Background(), testChat)
		if err != nil {
			t.Fatal(err)
		}
		s := h.mustStage(t, authflow.StageAwaitingCode)
		if s.CodeHash != "hash-2" || s.CodeType != authflow.CodeTypeCall || s.CodeAttempts != 0 {
			t.Fatalf("resend not applied: %+v", s)
		}
		if !strings.Contains(r.Text, "new login code") {
			t.Fatalf("unexpected reply: %q", r.Text)
		}
	})

	t.Run("expired hash falls back to send code", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.toCode(t)
		h.gw.resend = func(string) (authflow.SentCode, error) { return authflow.SentCode{}, authflow.ErrCodeExpired }

		if _, err := h.o.Resend(context.Background(), testChat); err != nil {
			t.Fatal(err)
		}
		if h.gw.count("SendCode") != 2 {
			t.Fatalf("SendCode calls = %d", h.gw.count("SendCode"))
		}
		h.mustStage(t, authflow.StageAwaitingCode)
	})

	t.Run("wrong stage", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		r, err := h.o.Resend(context.Background(), testChat)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(r.Text, "no pending code") {
			t.Fatalf("unexpected reply: %q", r.Text)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)

	r, err := h.o.Cancel(context.Background(), testChat)
	if err != nil {
		t.Fatal(err)
	}
	h.mustStage(t, authflow.StageIdle)
	if h.gw.count("CancelCode") != 1 || h.o.OpenGateways() != 0 {
		t.Fatal("cancel must cancel the code and close the gateway")
	}
	if !strings.Contains(r.Text, "cancelled") {
		t.Fatalf("unexpected reply: %q", r.Text)
	}

	r, err = h.o.Cancel(context.Background(), testChat)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Text, "no login in progress") {
		t.Fatalf("unexpected reply: %q", r.Text)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r, err := h.o.Logout(context.Background(), testChat)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Text, "No account") {
		t.Fatalf("unexpected reply: %q", r.Text)
	}

	h.toCode(t)
	h.text(t, testCode)
	h.mustStage(t, authflow.StageAuthenticated)

	h.gw.logoutErr = errors.New("network down")
	r, _ = h.o.Logout(context.Background(), testChat)
	h.mustStage(t, authflow.StageAuthenticated)
	if !hasAction(r, authflow.ActionLogout) {
		t.Fatal("failed logout must offer a retry")
	}

	h.gw.logoutErr = nil
	if _, err := h.o.Logout(context.Background(), testChat); err != nil {
		t.Fatal(err)
	}
	h.mustStage(t, authflow.StageIdle)
	if len(h.dialer.forgotten) != 1 || h.dialer.forgotten[0] != testChat {
		t.Fatalf("session file must be forgotten: %v", h.dialer.forgotten)
	}
}

func TestResetNotifiesUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)

	if err := h.o.Reset(context.Background(), testChat); err != nil {
		t.Fatal(err)
	}
	h.mustStage(t, authflow.StageIdle)
	if got := h.notifier.sent(testChat); len(got) != 1 || !strings.Contains(got[0].Text, "reset") {
		t.Fatalf("notifications = %+v", got)
	}
	if err := h.o.Reset(context.Background(), testChat); !errors.Is(err, authflow.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)

	n, err := h.o.ExpireStale(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("fresh session expired: n=%d err=%v", n, err)
	}

	h.clock.Advance(11 * time.Minute)
	n, err = h.o.ExpireStale(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("stale session not expired: n=%d err=%v", n, err)
	}
	h.mustStage(t, authflow.StageIdle)
	if got := h.notifier.sent(testChat); len(got) != 1 || !strings.Contains(got[0].Text, "expired") {
		t.Fatalf("notifications = %+v", got)
	}
	if h.gw.count("CancelCode") != 1 || h.o.OpenGateways() != 0 {
		t.Fatal("expired login must release provider resources")
	}
}

func TestExpireStaleKeepsRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.sendCode = func(string) (authflow.SentCode, error) {
		return authflow.SentCode{}, &authflow.RateLimitError{Wait: time.Hour}
	}
	h.start(t)
	h.text(t, testPhone)

	h.clock.Advance(11 * time.Minute)
	if _, err := h.o.ExpireStale(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := h.mustStage(t, authflow.StageIdle)
	if s.RetryAt.IsZero() {
		t.Fatal("rate limit must survive expiry")
	}

	h.clock.Advance(time.Hour)
	if _, err := h.o.ExpireStale(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.session(t); ok {
		t.Fatal("idle record must be purged once the limit is over")
	}
}

func TestSameChatIsSerialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var active, peak atomic.Int32
	h.gw.sendCode = func(string) (authflow.SentCode, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return authflow.SentCode{}, authflow.ErrInvalidPhone
	}
	h.start(t)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			_, _ = h.o.HandleText(context.Background(), testChat, testPhone)
		})
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("concurrent provider calls for one chat: %d", peak.Load())
	}
}

func TestContactOutsidePhoneStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)

	r, err := h.o.HandleContact(context.Background(), testChat, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Text, "not expected") {
		t.Fatalf("unexpected reply: %q", r.Text)
	}
	h.mustStage(t, authflow.StageAwaitingCode)
}

func TestJanitorExpiresInBackground(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.toCode(t)
	h.clock.Advance(11 * time.Minute)

	j := authflow.NewJanitor(h.o, time.Second)
	j.Start(context.Background())
	j.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for len(h.notifier.sent(testChat)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not expire the stale session")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := h.notifier.sent(testChat); !strings.Contains(got[0].Text, "expired") {
		t.Fatalf("notifications = %+v", got)
	}
	h.mustStage(t, authflow.StageIdle)

	stopped := make(chan struct{})
	go func() {
		j.Stop()
		j.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

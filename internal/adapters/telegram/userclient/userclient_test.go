package userclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-authbot/internal/domain/authflow"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "phone invalid", err: tgerr.New(400, "PHONE_NUMBER_INVALID"), want: authflow.ErrInvalidPhone},
		{name: "phone banned", err: tgerr.New(400, "PHONE_NUMBER_BANNED"), want: authflow.ErrPhoneBanned},
		{name: "unoccupied", err: tgerr.New(400, "PHONE_NUMBER_UNOCCUPIED"), want: authflow.ErrSignUpRequired},
		{name: "code invalid", err: tgerr.New(400, "PHONE_CODE_INVALID"), want: authflow.ErrInvalidCode},
		{name: "code expired", err: tgerr.New(400, "PHONE_CODE_EXPIRED"), want: authflow.ErrCodeExpired},
		{name: "password needed rpc", err: tgerr.New(401, "SESSION_PASSWORD_NEEDED"), want: authflow.ErrPasswordRequired},
		{name: "password hash invalid", err: tgerr.New(400, "PASSWORD_HASH_INVALID"), want: authflow.ErrInvalidPassword},
		{name: "unregistered", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), want: authflow.ErrNotAuthorized},
		{name: "password needed sentinel", err: fmt.Errorf("sign in: %w", auth.ErrPasswordAuthNeeded), want: authflow.ErrPasswordRequired},
		{name: "password invalid sentinel", err: auth.ErrPasswordInvalid, want: authflow.ErrInvalidPassword},
		{name: "sign up", err: &auth.SignUpRequired{}, want: authflow.ErrSignUpRequired},
		{name: "wrapped rpc", err: fmt.Errorf("invoke: %w", tgerr.New(400, "PHONE_CODE_INVALID")), want: authflow.ErrInvalidCode},
	}
	for _, tc := range tests {
		got := mapError(tc.err)
		if !errors.Is(got, tc.want) {
			t.Fatalf("%s: mapError(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
		if !errors.Is(got, tc.err) {
			t.Fatalf("%s: original error lost in %v", tc.name, got)
		}
	}
}

func TestMapErrorFloodWait(t *testing.T) {
	t.Parallel()

	rl, ok := authflow.AsRateLimit(mapError(tgerr.New(420, "FLOOD_WAIT_30")))
	if !ok || rl.Wait != 30*time.Second {
		t.Fatalf("FLOOD_WAIT_30 -> %+v, %v", rl, ok)
	}

	rl, ok = authflow.AsRateLimit(mapError(tgerr.New(400, "PHONE_NUMBER_FLOOD")))
	if !ok || rl.Wait != floodFallbackWait {
		t.Fatalf("PHONE_NUMBER_FLOOD -> %+v, %v", rl, ok)
	}
}

func TestMapErrorPassthrough(t *testing.T) {
	t.Parallel()

	if mapError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	plain := errors.New("network down")
	if got := mapError(plain); got != plain {
		t.Fatalf("unknown error changed: %v", got)
	}
	if got := mapError(context.DeadlineExceeded); !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("deadline lost: %v", got)
	}
}

func TestConvertSentCode(t *testing.T) {
	t.Parallel()

	sent := &tg.AuthSentCode{
		Type:          &tg.AuthSentCodeTypeSMS{Length: 5},
		PhoneCodeHash: "h1",
	}
	sent.SetNextType(&tg.AuthCodeTypeCall{})
	sent.SetTimeout(60)

	got, err := convertSentCode(sent)
	if err != nil {
		t.Fatal(err)
	}
	want := authflow.SentCode{Hash: "h1", Type: authflow.CodeTypeSMS, Length: 5, NextType: authflow.CodeTypeCall, Timeout: time.Minute}
	if got.Hash != want.Hash || got.Type != want.Type || got.Length != want.Length || got.NextType != want.NextType || got.Timeout != want.Timeout {
		t.Fatalf("convertSentCode = %+v, want %+v", got, want)
	}
}

func TestConvertSentCodeSuccess(t *testing.T) {
	t.Parallel()

	got, err := convertSentCode(&tg.AuthSentCodeSuccess{
		Authorization: &tg.AuthAuthorization{
			User: &tg.User{ID: 42, Username: "second", FirstName: "Sec"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Account == nil || got.Account.ID != 42 || got.Account.Username != "second" {
		t.Fatalf("account = %+v", got.Account)
	}

	_, err = convertSentCode(&tg.AuthSentCodeSuccess{Authorization: &tg.AuthAuthorizationSignUpRequired{}})
	if !errors.Is(err, authflow.ErrSignUpRequired) {
		t.Fatalf("sign up required -> %v", err)
	}
}

func TestSentCodeType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     tg.AuthSentCodeTypeClass
		want   authflow.CodeType
		length int
	}{
		{in: &tg.AuthSentCodeTypeApp{Length: 5}, want: authflow.CodeTypeApp, length: 5},
		{in: &tg.AuthSentCodeTypeCall{Length: 6}, want: authflow.CodeTypeCall, length: 6},
		{in: &tg.AuthSentCodeTypeFlashCall{Pattern: "+7999*"}, want: authflow.CodeTypeFlashCall},
		{in: &tg.AuthSentCodeTypeMissedCall{Prefix: "+7999", Length: 4}, want: authflow.CodeTypeMissedCall, length: 4},
		{in: &tg.AuthSentCodeTypeEmailCode{EmailPattern: "a***@b.c", Length: 6}, want: authflow.CodeTypeEmail, length: 6},
		{in: &tg.AuthSentCodeTypeFragmentSMS{URL: "https://fragment.com", Length: 5}, want: authflow.CodeTypeFragment, length: 5},
		{in: &tg.AuthSentCodeTypeSetUpEmailRequired{}, want: authflow.CodeTypeUnknown},
	}
	for _, tc := range tests {
		got, n := sentCodeType(tc.in)
		if got != tc.want || n != tc.length {
			t.Fatalf("sentCodeType(%T) = %s/%d, want %s/%d", tc.in, got, n, tc.want, tc.length)
		}
	}
}

func TestDialerOpenBeforeStart(t *testing.T) {
	t.Parallel()

	d := NewDialer(Options{AppID: 1, AppHash: "x", SessionsDir: t.TempDir()})
	if _, err := d.Open(context.Background(), 1); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Open before Start: %v", err)
	}
	if err := d.Forget(1); err != nil {
		t.Fatalf("Forget missing session: %v", err)
	}
}

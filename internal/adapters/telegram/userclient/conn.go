package userclient

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"telegram-authbot/internal/domain/authflow"
)

var errConnClosed = errors.New("userclient: connection closed")

// conn — открытый клиент одного чата, реализует authflow.Gateway.
type conn struct {
	chatID int64
	client *telegram.Client
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	runErr error
}

var _ authflow.Gateway = (*conn)(nil)

func (c *conn) setErr(err error) {
	c.mu.Lock()
	c.runErr = err
	c.mu.Unlock()
}

func (c *conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// alive возвращает ошибку, если цикл клиента уже завершился.
func (c *conn) alive() error {
	select {
	case <-c.done:
		if err := c.err(); err != nil {
			return errors.Wrap(err, "client stopped")
		}
		return errConnClosed
	default:
		return nil
	}
}

func (c *conn) SendCode(ctx context.Context, phone string) (authflow.SentCode, error) {
	if err := c.alive(); err != nil {
		return authflow.SentCode{}, err
	}
	res, err := c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return authflow.SentCode{}, mapError(err)
	}
	return convertSentCode(res)
}

func (c *conn) ResendCode(ctx context.Context, phone, hash string) (authflow.SentCode, error) {
	if err := c.alive(); err != nil {
		return authflow.SentCode{}, err
	}
	res, err := c.client.API().AuthResendCode(ctx, &tg.AuthResendCodeRequest{
		PhoneNumber:   phone,
		PhoneCodeHash: hash,
	})
	if err != nil {
		return authflow.SentCode{}, mapError(err)
	}
	return convertSentCode(res)
}

func (c *conn) CancelCode(ctx context.Context, phone, hash string) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.client.API().AuthCancelCode(ctx, &tg.AuthCancelCodeRequest{
		PhoneNumber:   phone,
		PhoneCodeHash: hash,
	}); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *conn) SignIn(ctx context.Context, phone, code, hash string) (authflow.Account, error) {
	if err := c.alive(); err != nil {
		return authflow.Account{}, err
	}
	a, err := c.client.Auth().SignIn(ctx, phone, code, hash)
	if err != nil {
		return authflow.Account{}, mapError(err)
	}
	return accountFromUser(a.User)
}

// PasswordHint возвращает подсказку к облачному паролю, если она задана.
func (c *conn) PasswordHint(ctx context.Context) (string, error) {
	if err := c.alive(); err != nil {
		return "", err
	}
	pwd, err := c.client.API().AccountGetPassword(ctx)
	if err != nil {
		return "", mapError(err)
	}
	hint, _ := pwd.GetHint()
	return hint, nil
}

func (c *conn) CheckPassword(ctx context.Context, password string) (authflow.Account, error) {
	if err := c.alive(); err != nil {
		return authflow.Account{}, err
	}
	a, err := c.client.Auth().Password(ctx, password)
	if err != nil {
		return authflow.Account{}, mapError(err)
	}
	return accountFromUser(a.User)
}

func (c *conn) Self(ctx context.Context) (authflow.Account, error) {
	if err := c.alive(); err != nil {
		return authflow.Account{}, err
	}
	st, err := c.client.Auth().Status(ctx)
	if err != nil {
		return authflow.Account{}, mapError(err)
	}
	if !st.Authorized || st.User == nil {
		return authflow.Account{}, authflow.ErrNotAuthorized
	}
	return accountFromTG(st.User), nil
}

func (c *conn) LogOut(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.client.API().AuthLogOut(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// Close останавливает клиента и ждёт выхода из client.Run.
func (c *conn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func accountFromUser(u tg.UserClass) (authflow.Account, error) {
	if u == nil {
		return authflow.Account{}, errors.New("empty user in authorization")
	}
	user, ok := u.AsNotEmpty()
	if !ok {
		return authflow.Account{}, errors.Errorf("unexpected user type %T", u)
	}
	return accountFromTG(user), nil
}

func accountFromTG(u *tg.User) authflow.Account {
	return authflow.Account{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Phone:     u.Phone,
	}
}

package userclient

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-authbot/internal/domain/authflow"
)

// convertSentCode переводит ответ auth.sendCode/auth.resendCode в authflow.SentCode.
// AuthSentCodeSuccess означает, что сессия авторизована без ввода кода.
func convertSentCode(res tg.AuthSentCodeClass) (authflow.SentCode, error) {
	switch s := res.(type) {
	case *tg.AuthSentCode:
		out := authflow.SentCode{Hash: s.PhoneCodeHash}
		out.Type, out.Length = sentCodeType(s.Type)
		if next, ok := s.GetNextType(); ok {
			out.NextType = nextCodeType(next)
		}
		if timeout, ok := s.GetTimeout(); ok {
			out.Timeout = time.Duration(timeout) * time.Second
		}
		return out, nil
	case *tg.AuthSentCodeSuccess:
		a, ok := s.Authorization.(*tg.AuthAuthorization)
		if !ok {
			return authflow.SentCode{}, authflow.ErrSignUpRequired
		}
		acc, err := accountFromUser(a.User)
		if err != nil {
			return authflow.SentCode{}, err
		}
		return authflow.SentCode{Account: &acc}, nil
	default:
		return authflow.SentCode{}, errors.Errorf("unexpected sent code type %T", res)
	}
}

// sentCodeType возвращает канал доставки и длину кода.
// Для flash call длина неизвестна: код — хвост номера входящего звонка.
func sentCodeType(t tg.AuthSentCodeTypeClass) (authflow.CodeType, int) {
	switch v := t.(type) {
	case *tg.AuthSentCodeTypeApp:
		return authflow.CodeTypeApp, v.Length
	case *tg.AuthSentCodeTypeSMS:
		return authflow.CodeTypeSMS, v.Length
	case *tg.AuthSentCodeTypeCall:
		return authflow.CodeTypeCall, v.Length
	case *tg.AuthSentCodeTypeFlashCall:
		return authflow.CodeTypeFlashCall, 0
	case *tg.AuthSentCodeTypeMissedCall:
		return authflow.CodeTypeMissedCall, v.Length
	case *tg.AuthSentCodeTypeEmailCode:
		return authflow.CodeTypeEmail, v.Length
	case *tg.AuthSentCodeTypeFragmentSMS:
		return authflow.CodeTypeFragment, v.Length
	case *tg.AuthSentCodeTypeFirebaseSMS:
		return authflow.CodeTypeSMS, v.Length
	default:
		return authflow.CodeTypeUnknown, 0
	}
}

func nextCodeType(t tg.AuthCodeTypeClass) authflow.CodeType {
	switch t.(type) {
	case *tg.AuthCodeTypeSMS:
		return authflow.CodeTypeSMS
	case *tg.AuthCodeTypeCall:
		return authflow.CodeTypeCall
	case *tg.AuthCodeTypeFlashCall:
		return authflow.CodeTypeFlashCall
	case *tg.AuthCodeTypeMissedCall:
		return authflow.CodeTypeMissedCall
	case *tg.AuthCodeTypeFragmentSMS:
		return authflow.CodeTypeFragment
	default:
		return authflow.CodeTypeUnknown
	}
}

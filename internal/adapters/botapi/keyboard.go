package botapi

import (
	tele "gopkg.in/telebot.v4"

	"telegram-authbot/internal/domain/authflow"
)

const textShareContact = "📱 Share my phone number"

func actionLabel(a authflow.Action) string {
	switch a {
	case authflow.ActionCancel:
		return "❌ Cancel"
	case authflow.ActionResend:
		return "🔁 Resend code"
	case authflow.ActionRestart:
		return "↩️ Start over"
	case authflow.ActionLogout:
		return "🚪 Log out"
	default:
		return string(a)
	}
}

// markupFor строит клавиатуру ответа. У сообщения может быть только одна
// разметка, поэтому запрос контакта показывается reply-клавиатурой, а отмена
// в ней — текстовой кнопкой с командой /cancel.
func markupFor(r authflow.Reply) *tele.ReplyMarkup {
	if r.RequestContact {
		markup := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
		rows := []tele.Row{markup.Row(markup.Contact(textShareContact))}
		for _, a := range r.Actions {
			if a == authflow.ActionCancel {
				rows = append(rows, markup.Row(markup.Text("/cancel")))
			}
		}
		markup.Reply(rows...)
		return markup
	}
	if len(r.Actions) == 0 {
		return &tele.ReplyMarkup{RemoveKeyboard: true}
	}
	markup := &tele.ReplyMarkup{}
	row := make([]tele.InlineButton, 0, len(r.Actions))
	for _, a := range r.Actions {
		row = append(row, *markup.Data(actionLabel(a), actionUnique, string(a)).Inline())
	}
	markup.InlineKeyboard = [][]tele.InlineButton{row}
	return markup
}

package authflow

import (
	"strconv"
	"strings"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
	minCodeDigits  = 4
	maxCodeDigits  = 8
)

// NormalizePhone приводит ввод к виду +<цифры>. Пробелы, дефисы, точки и скобки
// отбрасываются, ведущий + необязателен, цифр должно быть от 7 до 15.
func NormalizePhone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte('+')
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '\u00a0':
		default:
			return "", false
		}
	}
	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return "", false
	}
	return b.String(), true
}

// NormalizeCode убирает разделители из кода. Пользователь вводит код как 1-2-3-4-5,
// потому что Telegram аннулирует код, пересланный в чат как есть.
// length > 0 требует точного числа цифр.
func NormalizeCode(raw string, length int) (string, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '_' || r == '\t':
		default:
			return "", false
		}
	}
	code := b.String()
	if length > 0 {
		return code, len(code) == length
	}
	return code, len(code) >= minCodeDigits && len(code) <= maxCodeDigits
}

// MaskPhone скрывает середину номера для логов: +7999***4567.
func MaskPhone(phone string) string {
	if len(phone) < 9 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:5] + "***" + phone[len(phone)-4:]
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

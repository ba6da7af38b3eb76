// Package pr — тонкая обёртка для вывода в консоли оператора.
// Инициализирует readline с отменяемым stdin, переназначает stdout/stderr на его
// буферы, чтобы логи не ломали строку ввода, и даёт функции печати.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

var (
	rl           *readline.Instance
	out          io.Writer = os.Stdout
	errOut       io.Writer = os.Stderr
	mu           sync.Mutex
	cancelableIn interface{ Close() error }
)

// IsTerminal сообщает, подключён ли stdin к терминалу. Без терминала консоль
// не запускается (например, в контейнере без tty).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Init настраивает readline с приглашением prompt и перенаправляет вывод на его буферы.
func Init(prompt string) error {
	cs := readline.NewCancelableStdin(os.Stdin)
	inst, err := readline.NewEx(&readline.Config{Stdin: cs, Prompt: prompt})
	if err != nil {
		_ = cs.Close()
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	rl = inst
	cancelableIn = cs
	out = inst.Stdout()
	errOut = inst.Stderr()
	return nil
}

// Readline читает очередную строку. До Init возвращает io.EOF.
func Readline() (string, error) {
	mu.Lock()
	inst := rl
	mu.Unlock()
	if inst == nil {
		return "", io.EOF
	}
	return inst.Readline()
}

// InterruptReadline закрывает cancelable stdin: Readline получает io.EOF.
func InterruptReadline() {
	mu.Lock()
	defer mu.Unlock()
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetListener подключает обработчик нажатий клавиш к текущему readline.
// До Init ничего не делает.
func SetListener(fn func(line []rune, pos int, key rune) ([]rune, int, bool)) {
	mu.Lock()
	defer mu.Unlock()
	if rl == nil || rl.Config == nil {
		return
	}
	rl.Config.SetListener(fn)
}

// Close освобождает readline и возвращает вывод на os.Stdout/os.Stderr.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		_ = rl.Close()
		rl = nil
	}
	out, errOut = os.Stdout, os.Stderr
}

// SetOutput подменяет writer'ы (используется в тестах консоли).
func SetOutput(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out, errOut = stdout, stderr
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Println(a ...any)                  { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any)    { fmt.Fprintf(Stdout(), format, a...) }
func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP pretty-печатает значение в Stdout.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf возвращает pretty-строку значения.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}

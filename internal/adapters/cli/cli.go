// Package cli — интерактивная консоль оператора. Сервис стартует фоном,
// читает команды из readline и выполняет их через commands.Executor.
// Start/Stop идемпотентны, что позволяет встроить консоль в lifecycle.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/domain/commands"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/pr"
)

// commandTimeout ограничивает выполнение одной команды.
const commandTimeout = 30 * time.Second

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	args        string
	description string
}

// commandDescriptors — реестр доступных команд. Имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "sessions", description: "List login sessions of all chats"},
	{name: "show", args: "<chat>", description: "Show the login session of a chat"},
	{name: "reset", args: "<chat>", description: "Drop the login session of a chat and notify the user"},
	{name: "expire", description: "Expire idle login sessions now"},
	{name: "version", description: "Print bot version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
type Service struct {
	exec      commands.Executor
	stopApp   context.CancelFunc // остановка всего приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис.
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Start инициализирует readline и запускает цикл чтения команд.
func (s *Service) Start(ctx context.Context) error {
	var err error
	s.onceStart.Do(func() {
		if err = pr.Init("> "); err != nil {
			err = fmt.Errorf("cli: init readline: %w", err)
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
	return err
}

// Stop прерывает readline и дожидается завершения цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		pr.InterruptReadline()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		pr.Close()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}
		line, err := pr.Readline()
		if err != nil {
			logger.Debug("CLI: deactivated", zap.Error(err))
			return
		}
		if s.handleCommand(ctx, line) {
			return
		}
	}
}

// installKeyHandlers: '?' печатает help, Ctrl-C на пустой строке останавливает
// приложение, на непустой — очищает строку.
func installKeyHandlers(stop context.CancelFunc) {
	pr.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		switch key {
		case '?':
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		case 3: //nolint:mnd // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает строку и выполняет команду.
// Возвращает true, если команда завершает CLI ("exit").
func (s *Service) handleCommand(parent context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "help":
		printCommandHelp()
	case "sessions":
		s.handleSessions(ctx)
	case "show":
		if chatID, ok := chatArg(cmd, args); ok {
			s.handleShow(ctx, chatID)
		}
	case "reset":
		if chatID, ok := chatArg(cmd, args); ok {
			s.handleReset(ctx, chatID)
		}
	case "expire":
		n, err := s.exec.Expire(ctx)
		if err != nil {
			pr.ErrPrintln("expire error:", err)
			return false
		}
		pr.Printf("Expired sessions: %d\n", n)
	case "version":
		v, _ := s.exec.Version(ctx)
		pr.Printf("%s %s (%s)\n", v.Name, v.Version, v.Commit)
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleSessions(ctx context.Context) {
	res, err := s.exec.Sessions(ctx)
	if err != nil {
		pr.ErrPrintln("sessions error:", err)
		return
	}
	if len(res.Sessions) == 0 {
		pr.Println("No login sessions.")
	}
	for _, info := range res.Sessions {
		account := info.Account
		if account == "" {
			account = "-"
		}
		phone := info.Phone
		if phone == "" {
			phone = "-"
		}
		pr.Printf("%-14d %-18s %-14s %-24s %s\n",
			info.ChatID, info.Stage, phone, account, info.UpdatedAt.Local().Format(time.DateTime))
	}
	pr.Printf("Total: %d, open MTProto connections: %d\n", len(res.Sessions), res.OpenGateways)
}

func (s *Service) handleShow(ctx context.Context, chatID int64) {
	res, err := s.exec.Show(ctx, chatID)
	if err != nil {
		pr.ErrPrintln("show error:", err)
		return
	}
	pr.Println(res.Text)
	pr.PP(res.Session)
}

func (s *Service) handleReset(ctx context.Context, chatID int64) {
	err := s.exec.Reset(ctx, chatID)
	switch {
	case errors.Is(err, authflow.ErrNoSession):
		pr.Printf("Chat %d has no login session.\n", chatID)
	case err != nil:
		pr.ErrPrintln("reset error:", err)
	default:
		pr.Printf("Chat %d reset.\n", chatID)
	}
}

func chatArg(cmd string, args []string) (int64, bool) {
	if len(args) != 1 {
		pr.ErrPrintf("usage: %s <chat>\n", cmd)
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		pr.ErrPrintf("invalid chat id %q\n", args[0])
		return 0, false
	}
	return id, true
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> <args> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-14s - %s", strings.TrimSpace(d.name+" "+d.args), d.description))
	}
	return lines
}

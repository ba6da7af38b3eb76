// Package lifecycle — менеджер управляемых подсистем приложения.
// Узлы образуют дерево контекстов: отмена родителя гасит потомков. Явные
// зависимости гарантируют, что хранилище поднимается раньше оркестратора, а
// оркестратор раньше бота. Остановка идёт в порядке, обратном фактическому старту.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"telegram-authbot/internal/infra/logger"
)

// StartFunc запускает узел. Переданный контекст отменяется при остановке узла.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. На момент вызова контекст узла уже отменён.
type StopFunc func(ctx context.Context) error

// Node описывает регистрируемую подсистему.
type Node struct {
	Name   string
	Parent string   // пусто — корень
	Deps   []string // узлы, которые должны быть запущены раньше
	Start  StartFunc
	Stop   StopFunc
}

// Status — состояние узла в жизненном цикле.
type Status int

const (
	StatusRegistered Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const rootName = "root"

type node struct {
	Node

	ctx    context.Context
	cancel context.CancelFunc
	status Status
	err    error
}

// Manager управляет жизненным циклом набора узлов. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string
}

// New создаёт менеджер с корневым узлом, привязанным к rootCtx.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {Node: Node{Name: rootName}, ctx: rootCtx, status: StatusRunning},
		},
	}
}

// Register добавляет узел. Проверяются уникальность имени, наличие родителя и
// отсутствие зависимости от самого себя; дубликаты deps и сам родитель из deps убираются.
func (m *Manager) Register(n Node) error {
	if n.Name == "" || n.Name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", n.Name)
	}
	if n.Parent == "" {
		n.Parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[n.Name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", n.Name)
	}
	if _, ok := m.nodes[n.Parent]; !ok {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", n.Parent, n.Name)
	}

	deps := slices.Clone(n.Deps)
	slices.Sort(deps)
	deps = slices.Compact(deps)
	deps = slices.DeleteFunc(deps, func(d string) bool { return d == n.Parent })
	if slices.Contains(deps, n.Name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", n.Name)
	}
	n.Deps = deps

	m.nodes[n.Name] = &node{Node: n, status: StatusRegistered}
	return nil
}

// StartAll запускает все узлы с учётом зависимостей. Имена обходятся по алфавиту,
// фактический порядок фиксируется в startOrder. Ошибки объединяются.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debug("lifecycle: start order", zap.Strings("order", m.StartOrder()))
	return errs
}

func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case StatusRunning:
		m.mu.Unlock()
		return nil
	case StatusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	case StatusFailed:
		err := n.err
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q failed earlier: %w", name, err)
	}
	n.status = StatusStarting
	m.mu.Unlock()

	logger.Debug("lifecycle: starting node", zap.String("node", name))

	for _, dep := range append([]string{n.Parent}, n.Deps...) {
		if err := m.startNode(dep); err != nil {
			m.setFailed(name, err)
			logger.Error("lifecycle: dependency failed", zap.String("node", name), zap.String("dep", dep), zap.Error(err))
			return err
		}
	}

	m.mu.Lock()
	parentCtx := m.nodes[n.Parent].ctx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)
	if n.Start != nil {
		if err := n.Start(ctx); err != nil {
			cancel()
			m.setFailed(name, err)
			return fmt.Errorf("lifecycle: start %q: %w", name, err)
		}
	}

	m.mu.Lock()
	n.ctx = ctx
	n.cancel = cancel
	n.status = StatusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Info("lifecycle: node is running", zap.String("node", name))
	return nil
}

// Shutdown останавливает запущенные узлы в порядке, обратном старту.
func (m *Manager) Shutdown() error {
	order := m.StartOrder()
	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok || n.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = StatusStopping
	cancel, stop, ctx := n.cancel, n.Stop, n.ctx
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stop != nil {
		err = stop(ctx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = StatusFailed
		n.err = err
	} else {
		n.status = StatusStopped
	}
	m.mu.Unlock()

	if err != nil {
		logger.Error("lifecycle: node stopped with error", zap.String("node", name), zap.Error(err))
		return fmt.Errorf("lifecycle: stop %q: %w", name, err)
	}
	logger.Info("lifecycle: node stopped", zap.String("node", name))
	return nil
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = StatusFailed
		n.err = err
	}
}

// StartOrder возвращает копию фактического порядка запуска.
func (m *Manager) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// Status возвращает состояние узла name.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return 0, false
	}
	return n.status, true
}

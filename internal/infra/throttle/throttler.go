// Package throttle — общий механизм ограничения скорости и повторных попыток для
// исходящих вызовов Bot API. В основе — rate.Limiter (RPS + burst) и экспоненциальный
// backoff с джиттером. Серверные указания подождать (retry_after у Bot API)
// распознаются настраиваемыми WaitExtractor. StopRetryer прекращает ретраи сразу.
// Троттлер потокобезопасен: Do может вызываться параллельно; Start/Stop идемпотентны.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate.
const burstMultiplier = 2

// WaitExtractor анализирует ошибку и, при необходимости, возвращает длительность ожидания.
// Экстракторы вызываются в порядке регистрации, первый совпавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает количество повторных попыток. Значение <=0 — без ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость бакета. Если burst <= 0, используется 2*rate.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors регистрирует экстракторы серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		for _, e := range extractors {
			if e != nil {
				t.waitExtractors = append(t.waitExtractors, e)
			}
		}
	}
}

// WithRandom задаёт генератор джиттера (для тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// WithBaseDelay задаёт базу экспоненциального бэкофа (по умолчанию 1 с).
func WithBaseDelay(d time.Duration) Option {
	return func(t *Throttler) {
		if d > 0 {
			t.baseDelay = d
		}
	}
}

// ErrNotStarted возвращается, если вызов Do произошёл до Start или после Stop.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler ограничивает частоту вызовов и повторяет неудачные попытки.
type Throttler struct {
	rate  int
	burst int

	limiter *rate.Limiter

	waitExtractors []WaitExtractor
	maxRetries     int // -1 означает «без ограничений»
	baseDelay      time.Duration
	randomFn       func() float64

	mu      sync.Mutex
	rootCtx context.Context
	cancel  context.CancelFunc
}

// New создаёт троттлер с частотой rateRPS операций в секунду.
// Start вызывается отдельно: до него Do возвращает ErrNotStarted.
func New(rateRPS int, opts ...Option) *Throttler {
	if rateRPS <= 0 {
		rateRPS = 1
	}
	t := &Throttler{
		rate:       rateRPS,
		burst:      rateRPS * burstMultiplier,
		maxRetries: -1,
		baseDelay:  time.Second,
		randomFn:   rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.burst <= 0 {
		t.burst = rateRPS * burstMultiplier
	}
	t.limiter = rate.NewLimiter(rate.Limit(t.rate), t.burst)
	return t
}

// Start привязывает троттлер к корневому контексту. Повторный вызов игнорируется.
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootCtx != nil {
		return
	}
	t.rootCtx, t.cancel = context.WithCancel(ctx)
}

// Stop отменяет ожидающие вызовы Do. Повторный вызов безопасен.
func (t *Throttler) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetMaxRetries меняет лимит повторных попыток. Потокобезопасен.
func (t *Throttler) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Do выполняет fn с лимитом частоты и ретраями:
//  1. ждём разрешения limiter (с уважением к ctx и Stop);
//  2. вызываем fn;
//  3. StopRetryer или отменённый контекст → вернуть ошибку сразу;
//     extractor дал паузу → подождать и повторить без роста attempt;
//     иначе экспоненциальный backoff с учётом лимита ретраев.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root, maxRetries := t.snapshot()
	if root == nil || root.Err() != nil {
		return ErrNotStarted
	}

	// Объединяем внешний контекст и контекст жизни троттлера.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(root, cancel)
	defer stop()

	attempt := 0
	for {
		if err := t.limiter.Wait(callCtx); err != nil {
			return t.ctxErr(ctx, err)
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr
		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr
		case hasWait:
			if err := sleep(callCtx, waitDur); err != nil {
				return t.ctxErr(ctx, err)
			}
			continue
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, callErr)
		}
		delay := t.backoff(attempt)
		attempt++
		if err := sleep(callCtx, delay); err != nil {
			return t.ctxErr(ctx, err)
		}
	}
}

func (t *Throttler) snapshot() (context.Context, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx, t.maxRetries
}

// ctxErr отдаёт ошибку внешнего контекста, если сорвался именно он; остановка
// троттлера превращается в context.Canceled.
func (t *Throttler) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return context.Canceled
	}
	return err
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// backoff вычисляет base*2^attempt, ограниченную минутой, с джиттером [0.85..1.15].
func (t *Throttler) backoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxDelay    = time.Minute
	)
	d := float64(t.baseDelay) * math.Pow(2, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d * (t.randomFn()*jitterRange + jitterMin))
}

// sleep ждёт d или отмену ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut возвращается в Result.Err, когда бюджет ожидания исчерпан.
var ErrTimedOut = errors.New("polling timed out")

type Sleeper func(ctx context.Context, d time.Duration) error
type NowFunc func() time.Time

// Status состояние удаленной задачи с точки зрения цикла опроса.
type Status int

const (
	Processing Status = iota
	Completed
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result итог одного шага или всего цикла опроса.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

func Pending[T any]() Result[T] {
	return Result[T]{Status: Processing}
}

func Done[T any](v T) Result[T] {
	return Result[T]{Status: Completed, Value: v}
}

func Fail[T any](err error) Result[T] {
	return Result[T]{Status: Failed, Err: err}
}

// Policy фиксированный интервал и жесткий лимит по времени. Ни backoff, ни jitter.
type Policy struct {
	Interval time.Duration
	MaxWait  time.Duration
	Sleep    Sleeper
	Now      NowFunc
}

// Run вызывает step, пока тот возвращает Processing и не исчерпан MaxWait.
// Между двумя Processing-ответами ровно один Sleep(Interval).
// Перерасход бюджета не больше одного интервала и длительности одного шага.
func Run[T any](ctx context.Context, policy Policy, step func(ctx context.Context) Result[T]) Result[T] {
	policy = withDefaults(policy)
	start := policy.Now()

	for policy.Now().Sub(start) < policy.MaxWait {
		if err := ctx.Err(); err != nil {
			return Fail[T](err)
		}

		res := step(ctx)
		if res.Status != Processing {
			return res
		}

		if err := policy.Sleep(ctx, policy.Interval); err != nil {
			return Fail[T](err)
		}
	}

	return Result[T]{Status: TimedOut, Err: ErrTimedOut}
}

// SubmitAndWait отправляет задачу один раз и опрашивает ее до терминального статуса.
// Ошибка submit возвращается сразу, без опроса.
func SubmitAndWait[ID, T any](
	ctx context.Context,
	policy Policy,
	submit func(ctx context.Context) (ID, error),
	query func(ctx context.Context, id ID) Result[T],
) Result[T] {
	id, err := submit(ctx)
	if err != nil {
		return Fail[T](err)
	}
	return Run(ctx, policy, func(ctx context.Context) Result[T] {
		return query(ctx, id)
	})
}

func withDefaults(p Policy) Policy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.MaxWait <= 0 {
		p.MaxWait = time.Minute
	}
	if p.Sleep == nil {
		p.Sleep = DefaultSleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

// DefaultSleep ждет d или отмены контекста.
func DefaultSleep(ctx context.Context, d time.Duration) error {
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

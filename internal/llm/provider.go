package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrNotConfigured   = errors.New("llm provider is not configured")
)

// ChatRequest одно сообщение пользователя. Nil-поля берутся из конфигурации провайдера.
type ChatRequest struct {
	Message     string
	Temperature *float64
	MaxTokens   *int
}

// Chunk элемент потока ответа.
// Data заполняется, когда upstream уже отдал готовый SSE payload (его пересылаем как есть),
// Text содержит текстовый фрагмент ответа.
type Chunk struct {
	Data []byte
	Text string
	Err  error
	Done bool
}

// Provider LLM-бэкенд. Поток Stream конечен, не перезапускается
// и всегда заканчивается ровно одним Chunk{Done: true}, после чего канал закрыт.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req ChatRequest) <-chan Chunk
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// UpstreamError ответ upstream с неуспешным HTTP-статусом или кодом API.
type UpstreamError struct {
	Service string
	Status  int
	Code    int
	Body    string
}

func (e *UpstreamError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: api code %d: %s", e.Service, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Status, e.Body)
}

// emitter пишет в канал потока, пока потребитель жив.
type emitter struct {
	ctx context.Context
	ch  chan Chunk
}

func newEmitter(ctx context.Context) *emitter {
	return &emitter{ctx: ctx, ch: make(chan Chunk)}
}

func (e *emitter) send(c Chunk) bool {
	select {
	case e.ch <- c:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) fail(err error) {
	e.send(Chunk{Err: err})
}

// close отправляет завершающий Done и закрывает канал.
func (e *emitter) close() {
	e.send(Chunk{Done: true})
	close(e.ch)
}

// Drain читает поток до конца и склеивает текст. Первая ошибка потока возвращается.
func Drain(ch <-chan Chunk) (string, error) {
	var (
		sb       strings.Builder
		firstErr error
	)
	for c := range ch {
		if c.Err != nil && firstErr == nil {
			firstErr = c.Err
		}
		sb.WriteString(c.Text)
	}
	if firstErr != nil {
		return "", firstErr
	}
	return sb.String(), nil
}

package transport

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient возвращает http.Client с таймаутом на весь запрос.
// Подходит для коротких вызовов: ASR submit/query, Feishu API, токены.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(0),
	}
}

// NewStreamingClient возвращает клиент без общего таймаута: тело потокового ответа
// (LLM, TTS) читается дольше, чем длится ожидание заголовков.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newTransport(headerTimeout),
	}
}

func newTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
}

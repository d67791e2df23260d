package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Options параметры исходящего HTTP-клиента.
type Options struct {
	// Timeout общий таймаут запроса; 0 оставляет таймаут на контекст вызова.
	Timeout time.Duration
	// Proxy адрес прокси (http://, https:// или socks5://). Пустой адрес: прокси из окружения.
	Proxy string
}

// NewHTTPClient возвращает http.Client с таймаутом, прокси и базовым транспортом.
func NewHTTPClient(opts Options) (*http.Client, error) {
	proxy := http.ProxyFromEnvironment
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("parse proxy url: %q has no scheme or host", opts.Proxy)
		}
		proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy: proxy,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}, nil
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HeaderSource supplies per-request headers such as Authorization.
type HeaderSource interface {
	Headers(ctx context.Context) (http.Header, error)
}

// StaticHeaders is a HeaderSource that always returns the same headers.
type StaticHeaders http.Header

// Headers returns a copy of the static headers.
func (h StaticHeaders) Headers(context.Context) (http.Header, error) {
	return http.Header(h).Clone(), nil
}

const maxErrorBody = 4 << 10

// Send applies headers to req and executes it. Non-2xx responses are drained
// and returned as *StatusError; the caller owns the body of a 2xx response.
func Send(ctx context.Context, doer HTTPDoer, headers HeaderSource, req *http.Request) (*http.Response, error) {
	if doer == nil {
		return nil, errors.New("remote: http client unavailable")
	}
	if req == nil {
		return nil, errors.New("remote: nil request")
	}
	if headers != nil {
		h, err := headers.Headers(ctx)
		if err != nil {
			return nil, err
		}
		for key, values := range h {
			req.Header.Del(key)
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}
	resp, err := doer.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	statusErr := &StatusError{
		Method:     req.Method,
		URL:        req.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if after, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
		statusErr.RetryAfter = after
	}
	return nil, statusErr
}

// Drain discards the rest of body and closes it so the connection can be
// reused.
func Drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

func decodeError(what string, err error) error {
	return fmt.Errorf("decode %s response: %w", what, err)
}

package environment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WaitReachable polls app's base URL every interval until any HTTP response
// arrives. It returns ErrExited as soon as the process is seen to exit and
// ErrTimeout when timeout elapses first.
func WaitReachable(ctx context.Context, app App, timeout, interval time.Duration, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-app.Exited():
			return exitedError(app)
		default:
		}

		if probe(ctx, client, app.BaseURL()+"/") {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-app.Exited():
			return exitedError(app)
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}

func exitedError(app App) error {
	if err := app.ExitErr(); err != nil {
		return fmt.Errorf("%w: %v", ErrExited, err)
	}
	return ErrExited
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return true
}

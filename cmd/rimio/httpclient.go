package main

import (
	"fmt"
	"io"
	"net/http"
)

// apiRequest issues a request against a node's client HTTP surface (§6) and
// returns the response whatever its status; only a failure to build or send
// the request is an error. Callers check the status themselves and use
// drainError to turn a failed response's JSON error body into an error.
func apiRequest(method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

func drainError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(data) == 0 {
		return fmt.Errorf("request failed: http %d", resp.StatusCode)
	}
	return fmt.Errorf("request failed: http %d: %s", resp.StatusCode, string(data))
}

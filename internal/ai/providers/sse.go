package providers

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

const maxSSELineBytes = 1024 * 1024

// readSSEData calls fn with the payload of every "data:" line until the
// body ends or fn returns false.
func readSSEData(body io.Reader, fn func(data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if !fn(data) {
			return nil
		}
	}
	return scanner.Err()
}

// appendRateLimitInfo adds retry-after hints to an API error message.
func appendRateLimitInfo(msg string, resp *http.Response) string {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return msg
	}
	if retry := resp.Header.Get("retry-after"); retry != "" {
		return msg + " (retry after " + retry + "s)"
	}
	return msg
}

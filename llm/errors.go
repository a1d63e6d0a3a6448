package llm

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m4xw311/agentd/errors"
	"github.com/openai/openai-go/v2"
	"github.com/tidwall/gjson"
	"google.golang.org/api/googleapi"
)

const maxErrorBody = 64 << 10

// normalizeError maps a backend error onto the provider error kinds. Errors
// that already carry a kind, and caller cancellations, pass through.
func normalizeError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.KindOf(err) != "" || errors.Is(err, context.Canceled) {
		return err
	}
	status, body := statusAndBody(err)
	switch {
	case isConnectionRefused(err):
		return errors.WithKind(errors.KindProviderConnectivity, err, "%s: connection refused", provider)
	case isTimeout(err):
		return errors.WithKind(errors.KindProviderConnectivity, err, "%s: request timed out", provider)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.WithKind(errors.KindProviderAuth, err, "%s: unauthorized (%d), check the API key", provider, status)
	case status == http.StatusNotFound:
		return errors.WithKind(errors.KindProviderNotFound, err, "%s: not found (404), check the model name and base URL", provider)
	case status >= 500:
		msg := serverMessage(body)
		if msg == "" {
			msg = http.StatusText(status)
		}
		return errors.WithKind(errors.KindProviderServer, err, "%s: server error (%d): %s", provider, status, msg)
	default:
		return errors.WithKind(errors.KindProviderRequest, err, "%s: request failed", provider)
	}
}

// statusAndBody extracts the HTTP status and, where available, the
// response body. Open bodies are drained and closed before returning.
func statusAndBody(err error) (int, string) {
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, firstNonEmpty(drain(oe.Response), rawJSON(oe))
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, firstNonEmpty(drain(ae.Response), rawJSON(ae))
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code, firstNonEmpty(ge.Body, ge.Message)
	}
	var smithyStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &smithyStatus) {
		return smithyStatus.HTTPStatusCode(), err.Error()
	}
	var gaxStatus interface{ HTTPCode() int }
	if errors.As(err, &gaxStatus) {
		return gaxStatus.HTTPCode(), err.Error()
	}
	return 0, ""
}

func drain(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// discard whatever is left so the connection can be reused
	io.Copy(io.Discard, resp.Body)
	return string(data)
}

func rawJSON(v any) string {
	if r, ok := v.(interface{ RawJSON() string }); ok {
		return r.RawJSON()
	}
	return ""
}

// serverMessage pulls a human-readable message out of an error body.
func serverMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if gjson.Valid(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if r := gjson.Get(body, path); r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return body
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "timeout") || strings.Contains(text, "timed out")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// fallbackTriggers are substrings of error text that indicate a
// connectivity or server problem worth retrying elsewhere.
var fallbackTriggers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"deadline exceeded",
	"server error",
	"network is unreachable",
	"unexpected eof",
	"no such host",
}

// serverStatus matches a 5xx code written as "(503)" or "status 503", not
// digits inside a port or a model name.
var serverStatus = regexp.MustCompile(`(\(|\bstatus(\s+code)?:?\s*)5\d\d\b`)

// shouldFallback reports whether err is eligible for the fallback provider.
// The iteration limit and caller cancellation never are. Classified errors
// decide by kind; the rest by their text.
func shouldFallback(err error) bool {
	if err == nil || errors.Is(err, errors.ErrIterationLimit) || errors.Is(err, context.Canceled) {
		return false
	}
	switch errors.KindOf(err) {
	case errors.KindProviderAuth, errors.KindProviderNotFound:
		return false
	case errors.KindProviderConnectivity, errors.KindProviderServer:
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, s := range fallbackTriggers {
		if strings.Contains(text, s) {
			return true
		}
	}
	return serverStatus.MatchString(text)
}

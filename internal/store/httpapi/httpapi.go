// Package httpapi holds the HTTP plumbing shared by the REST backed adapters:
// a preconfigured req client and the mapping from responses to store error kinds.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/utils"
	"github.com/openmined/splitsync/internal/version"
)

const (
	HeaderUserAgent = "User-Agent"
	HeaderAccept    = "Accept"

	maxErrorBody = 512
)

var UserAgent = fmt.Sprintf("%s/%s (%s; %s; %s)", version.AppName, version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// NewClient returns a req client with the common settings. Retries stay at
// zero; the sync executor owns retry policy.
func NewClient(baseURL string, timeout time.Duration) *req.Client {
	c := req.C().
		SetUserAgent(UserAgent).
		SetJsonMarshal(utils.JSONMarshal).
		SetJsonUnmarshal(utils.JSONUnmarshal)
	if baseURL != "" {
		c.SetBaseURL(strings.TrimSuffix(baseURL, "/"))
	}
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

// KindForStatus maps an HTTP status code to a store error kind.
func KindForStatus(status int) store.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return store.KindAuth
	case status == http.StatusNotFound, status == http.StatusGone:
		return store.KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusInsufficientStorage:
		return store.KindQuotaExceeded
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return store.KindTimeout
	case status >= 500:
		return store.KindUnavailable
	}
	return store.KindUnknown
}

// StatusError is the cause attached to store errors built from HTTP responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Check converts a req round trip into a store error. It returns nil for
// success states. Transport errors are classified by their cause.
func Check(resp *req.Response, reqErr error, id store.StoreID, op string, split store.SplitID, name string) error {
	if reqErr != nil {
		return store.Wrap(fmt.Errorf("http request: %w", reqErr), id, op, split, name)
	}
	if resp == nil {
		return store.NewError(store.KindUnknown, id, op, split, name, errors.New("empty response"))
	}
	if !resp.IsErrorState() {
		return nil
	}

	status := resp.GetStatusCode()
	body := strings.TrimSpace(resp.String())
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return store.NewError(KindForStatus(status), id, op, split, name, &StatusError{Status: status, Body: body})
}

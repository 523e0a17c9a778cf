package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pders01/podds/internal/gateway"
)

// ErrorKind classifies a failed feed fetch. Kinds are errors themselves so
// callers can write errors.Is(err, feed.KindTimeout).
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindHTTP
	KindFormat
	KindParse
	KindTimeout
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindHTTP:
		return "HTTP error"
	case KindFormat:
		return "format error"
	case KindParse:
		return "parse error"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown error"
	}
}

func (k ErrorKind) Error() string { return k.String() }

// FetchError is the single error type returned by FetchAndParse.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindHTTP && e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// classify maps a gateway or transport error onto a FetchError. A deadline
// on ctx wins over whatever the transport reported.
func classify(ctx context.Context, url string, err error) *FetchError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &FetchError{Kind: KindTimeout, URL: url, Err: err}
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return &FetchError{Kind: KindCanceled, URL: url, Err: err}
	}

	var re *gateway.RelayError
	if errors.As(err, &re) {
		return &FetchError{Kind: KindHTTP, URL: url, StatusCode: re.StatusCode, Err: err}
	}
	return &FetchError{Kind: KindNetwork, URL: url, Err: err}
}

func statusError(url string, status int) *FetchError {
	return &FetchError{
		Kind:       KindHTTP,
		URL:        url,
		StatusCode: status,
		Err:        errors.New(http.StatusText(status)),
	}
}

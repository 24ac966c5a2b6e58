// Package tracehttp wraps an http.RoundTripper to log full request/response
// dumps, for diagnosing JMAP session and method-call traffic.
package tracehttp

import (
	"log"
	"net/http"
	"net/http/httputil"
)

// traceTransport is an http.RoundTripper that logs the request and response
// while delegating the real work to another http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
}

// RoundTrip logs a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		log.Printf("jmap request:\n%s", dump)
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			log.Printf("jmap response:\n%s", dump)
		}
	}
	return resp, err
}

// Wrap returns an http.RoundTripper that traces every request and response
// through d.
func Wrap(d http.RoundTripper) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d}
}

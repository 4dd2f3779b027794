package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
)

// Server identifies a client FHIR server and the bearer token granted for it.
type Server struct {
	BaseURL     string
	AccessToken string
}

// Reader fetches resources from a client FHIR server.
type Reader interface {
	// Read fetches a single resource by relative path ("Type/id").
	Read(ctx context.Context, server Server, path string) (Resource, error)
	// Search runs a type-level search and returns the resulting Bundle.
	Search(ctx context.Context, server Server, resourceType string, params url.Values) (Resource, error)
}

// StatusError is returned when the server answered with a non-2xx status.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a 404 or 410 answer.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone)
}

// IsClientError reports whether the server answered with a 4xx status. Such
// answers mean the server is reachable.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// RemoteReader is a Reader backed by go-fhir-client.
type RemoteReader struct {
	timeout   time.Duration
	transport http.RoundTripper
}

// NewRemoteReader creates a RemoteReader whose calls are bounded by timeout.
func NewRemoteReader(timeout time.Duration) *RemoteReader {
	return &RemoteReader{timeout: timeout, transport: http.DefaultTransport}
}

// client builds a client for one call. The returned transport records the
// last response status of that call.
func (r *RemoteReader) client(server Server) (fhirclient.Client, *bearerTransport, error) {
	if server.BaseURL == "" {
		return nil, nil, fmt.Errorf("no fhirServer in request")
	}
	base, err := url.Parse(server.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse fhirServer: %w", err)
	}
	transport := &bearerTransport{token: server.AccessToken, next: r.transport}
	httpClient := &http.Client{Timeout: r.timeout, Transport: transport}
	return fhirclient.New(base, httpClient, nil), transport, nil
}

// callError attaches the response status to a failed call.
func callError(op, target string, transport *bearerTransport, err error) error {
	if transport.status >= 300 {
		err = &StatusError{StatusCode: transport.status, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, target, err)
}

func (r *RemoteReader) Read(ctx context.Context, server Server, path string) (Resource, error) {
	client, transport, err := r.client(server)
	if err != nil {
		return nil, err
	}
	var res Resource
	if err := client.ReadWithContext(ctx, path, &res); err != nil {
		return nil, callError("read", path, transport, err)
	}
	if res.Type() == "" {
		return nil, fmt.Errorf("read %s: response is not a resource", path)
	}
	return res, nil
}

func (r *RemoteReader) Search(ctx context.Context, server Server, resourceType string, params url.Values) (Resource, error) {
	client, transport, err := r.client(server)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var opts []fhirclient.Option
	for _, k := range keys {
		for _, v := range params[k] {
			opts = append(opts, fhirclient.QueryParam(k, v))
		}
	}
	var bundle Resource
	if err := client.ReadWithContext(ctx, resourceType, &bundle, opts...); err != nil {
		return nil, callError("search", resourceType, transport, err)
	}
	if bundle.Type() != "Bundle" {
		return nil, fmt.Errorf("search %s: response is not a Bundle", resourceType)
	}
	return bundle, nil
}

// bearerTransport adds the hook's fhirAuthorization token to outgoing calls
// and records the status of the last response.
type bearerTransport struct {
	token  string
	next   http.RoundTripper
	status int
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.next.RoundTrip(req)
	if resp != nil {
		t.status = resp.StatusCode
	}
	return resp, err
}

// Package testutil provides helpers shared by handler and integration tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

// undocumentedPaths are plain text probes left out of the API document.
var undocumentedPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/version": true,
}

var (
	validatorsMu sync.Mutex
	validators   = map[string]*OpenAPIValidator{}
)

// OpenAPIValidator checks queue API responses against the OpenAPI document.
type OpenAPIValidator struct {
	router routers.Router
}

// NewOpenAPIValidator returns a validator for the document at specPath,
// relative to the test's working directory. Documents are parsed once per
// test binary.
func NewOpenAPIValidator(t *testing.T, specPath string) *OpenAPIValidator {
	t.Helper()

	validatorsMu.Lock()
	defer validatorsMu.Unlock()

	if v, ok := validators[specPath]; ok {
		return v
	}

	v, err := loadValidator(specPath)
	if err != nil {
		t.Fatalf("openapi: %v", err)
	}
	validators[specPath] = v
	return v
}

func loadValidator(specPath string) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", specPath, err)
	}

	// Match on path only; test servers listen on random ports.
	doc.Servers = nil
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return &OpenAPIValidator{router: router}, nil
}

// ValidateResponse reports a test error when resp does not match the
// documented response for req. The response body is left readable.
func (v *OpenAPIValidator) ValidateResponse(t *testing.T, req *http.Request, resp *http.Response) {
	t.Helper()

	if undocumentedPaths[req.URL.Path] {
		return
	}

	lookup, err := http.NewRequest(req.Method, req.URL.Path, nil)
	if err != nil {
		t.Errorf("openapi: build lookup request: %v", err)
		return
	}
	route, params, err := v.router.FindRoute(lookup)
	if err != nil {
		t.Errorf("openapi: %s %s is not documented: %v", req.Method, req.URL.Path, err)
		return
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		t.Errorf("openapi: read response body: %v", err)
		return
	}

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: params,
			Route:      route,
		},
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if err := openapi3filter.ValidateResponse(context.Background(), input); err != nil {
		t.Errorf("openapi: %s %s returned %d not matching the document: %s\nbody: %s",
			req.Method, req.URL.Path, resp.StatusCode, clip(err.Error(), 500), clip(string(body), 200))
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/registry"
	"github.com/awantoch/beemflow/templater"
)

// defaultClient is used for HTTP requests with a timeout to avoid hanging.
var defaultClient = &http.Client{Timeout: 60 * time.Second}

// httpTemplater expands {{ }} in manifest endpoints/headers. It never sees
// "outputs" - registry entries are invoked with only their own inputs.
var httpTemplater = templater.NewTemplater()

// HTTPPostJSON marshals body as JSON, sends it, and decodes the JSON response into result.
func HTTPPostJSON(ctx context.Context, url string, body interface{}, headers map[string]string, result interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if _, ok := headers[constants.HeaderContentType]; !ok {
		req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	}
	resp, err := defaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTPPostJSON: unexpected status code %d: %s", resp.StatusCode, string(data))
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode JSON from %s: %w", url, err)
		}
	}
	return nil
}

// HTTPGetRaw performs an HTTP GET and returns the raw response body as a string.
func HTTPGetRaw(ctx context.Context, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := defaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTPGetRaw: unexpected status code %d: %s", resp.StatusCode, string(data))
	}
	return string(data), nil
}

// HTTPAdapter invokes a tool either via a registry manifest - a templated
// endpoint and headers, POSTed as JSON - or, when no manifest is attached,
// as the generic "http" adapter driven entirely by its inputs (url, method,
// headers, body).
type HTTPAdapter struct {
	AdapterID    string
	ToolManifest *registry.ToolManifest
}

// ID returns the adapter's registered name.
func (a *HTTPAdapter) ID() string {
	if a.AdapterID != "" {
		return a.AdapterID
	}
	if a.ToolManifest != nil {
		return a.ToolManifest.Name
	}
	return "http"
}

// Manifest returns the tool manifest this adapter was loaded from, if any.
func (a *HTTPAdapter) Manifest() *registry.ToolManifest {
	return a.ToolManifest
}

// Execute dispatches to manifest-driven or generic invocation.
func (a *HTTPAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if a.ToolManifest != nil && a.ToolManifest.Endpoint != "" {
		return a.executeManifestRequest(ctx, inputs)
	}
	return a.executeGenericRequest(ctx, inputs)
}

// executeManifestRequest POSTs the (default-enriched) inputs as JSON to the
// manifest's endpoint. The endpoint is expanded through the templater (no
// "outputs" in scope) and then through $env:NAME substitution; header values
// get $env:NAME substitution first (prepareManifestHeaders) and are then
// expanded through the templater.
func (a *HTTPAdapter) executeManifestRequest(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	m := a.ToolManifest
	enriched := a.enrichInputsWithDefaults(inputs)

	endpoint, err := httpTemplater.Render(m.Endpoint, map[string]any{"inputs": enriched})
	if err != nil {
		return nil, fmt.Errorf("render endpoint %q: %w", m.Endpoint, err)
	}
	endpoint = expandEnvValue(endpoint)

	body, err := json.Marshal(enriched)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range a.prepareManifestHeaders(inputs) {
		if rendered, rerr := httpTemplater.Render(v, map[string]any{"inputs": enriched}); rerr == nil {
			v = rendered
		}
		req.Header.Set(k, v)
	}
	if req.Header.Get(constants.HeaderContentType) == "" {
		req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	}

	resp, err := defaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tool %s request failed with status %d: %s", a.ID(), resp.StatusCode, string(data))
	}
	return processHTTPResponse(resp)
}

// executeGenericRequest drives an ad-hoc request entirely from inputs, for
// the generic "http" adapter (bound to the literal tool name "http").
func (a *HTTPAdapter) executeGenericRequest(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	url, ok := safeStringAssert(inputs["url"])
	if !ok || url == "" {
		return nil, fmt.Errorf("missing or invalid url")
	}
	method := a.extractMethod(inputs)
	headers := a.extractHeaders(inputs)

	var bodyReader io.Reader
	if method != http.MethodGet {
		if raw, ok := inputs["body"]; ok && raw != nil {
			switch b := raw.(type) {
			case string:
				bodyReader = strings.NewReader(b)
			default:
				data, err := json.Marshal(b)
				if err != nil {
					return nil, err
				}
				bodyReader = bytes.NewReader(data)
				if _, ok := headers[constants.HeaderContentType]; !ok {
					headers[constants.HeaderContentType] = constants.ContentTypeJSON
				}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("missing or invalid url: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if method == http.MethodGet {
		req.Header.Set("Accept", "application/json, text/*;q=0.9, */*;q=0.8")
	}

	resp, err := defaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, string(data))
	}
	return processHTTPResponse(resp)
}

// extractMethod reads inputs["method"], defaulting to GET.
func (a *HTTPAdapter) extractMethod(inputs map[string]any) string {
	if m, ok := safeStringAssert(inputs["method"]); ok && m != "" {
		return strings.ToUpper(m)
	}
	return http.MethodGet
}

// extractHeaders reads inputs["headers"] as a string-valued map, silently
// dropping non-string values and returning empty on any other shape.
func (a *HTTPAdapter) extractHeaders(inputs map[string]any) map[string]string {
	headers := make(map[string]string)
	raw, ok := safeMapAssert(inputs["headers"])
	if !ok {
		return headers
	}
	for k, v := range raw {
		if s, ok := safeStringAssert(v); ok {
			headers[k] = s
		}
	}
	return headers
}

// prepareManifestHeaders merges the manifest's static headers (with $env:
// substitution) underneath any headers explicitly supplied in inputs.
func (a *HTTPAdapter) prepareManifestHeaders(inputs map[string]any) map[string]string {
	headers := make(map[string]string)
	if a.ToolManifest != nil {
		for k, v := range a.ToolManifest.Headers {
			headers[k] = expandEnvValue(v)
		}
	}
	for k, v := range a.extractHeaders(inputs) {
		headers[k] = v
	}
	return headers
}

// enrichInputsWithDefaults fills in parameters absent from inputs using the
// manifest's JSON-Schema "properties[].default", expanding $env: defaults.
func (a *HTTPAdapter) enrichInputsWithDefaults(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	if a.ToolManifest == nil || a.ToolManifest.Parameters == nil {
		return out
	}
	props, ok := safeMapAssert(a.ToolManifest.Parameters["properties"])
	if !ok {
		return out
	}
	for name, rawProp := range props {
		propMap, ok := safeMapAssert(rawProp)
		if !ok {
			continue
		}
		if _, exists := out[name]; exists {
			continue
		}
		def, ok := propMap["default"]
		if !ok {
			continue
		}
		if s, ok := def.(string); ok {
			out[name] = expandEnvValue(s)
		} else {
			out[name] = def
		}
	}
	return out
}

// processHTTPResponse decodes a response body. A JSON object is returned
// directly as the step's outputs; any other shape (array, primitive, plain
// text, undecodable body) is wrapped under "body".
func processHTTPResponse(resp *http.Response) (map[string]any, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]any{"body": ""}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj, nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err == nil {
		return map[string]any{"body": generic}, nil
	}
	return map[string]any{"body": string(data)}, nil
}

// envRefRe matches a "$env:NAME" reference anywhere inside a value.
var envRefRe = regexp.MustCompile(`\$env:([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvValue resolves every "$env:NAME" reference in val (for example
// "Bearer $env:TOKEN") against the process environment, leaving a reference
// untouched if NAME is unset.
func expandEnvValue(val string) string {
	return envRefRe.ReplaceAllStringFunc(val, func(ref string) string {
		if v, ok := os.LookupEnv(strings.TrimPrefix(ref, "$env:")); ok {
			return v
		}
		return ref
	})
}

// safeStringAssert type-asserts v to a string without panicking.
func safeStringAssert(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// safeMapAssert type-asserts v to map[string]any without panicking.
func safeMapAssert(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}, false
	}
	return m, true
}

// HTTPFetchAdapter is retained as an alternate entry point for the generic
// "http" tool; HTTPAdapter{} (no manifest) now implements the same contract
// directly, so this simply delegates.
type HTTPFetchAdapter struct{}

func (a *HTTPFetchAdapter) ID() string { return "http" }

func (a *HTTPFetchAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return (&HTTPAdapter{AdapterID: "http"}).Execute(ctx, inputs)
}

func (a *HTTPFetchAdapter) Manifest() *registry.ToolManifest { return nil }

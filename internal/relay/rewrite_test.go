package relay

import (
	"strings"
	"testing"
)

func Test_should_rewrite_content(t *testing.T) {
	rewritable := []string{
		"text/html",
		"text/html; charset=utf-8",
		"text/css",
		"application/json",
		"application/javascript",
		"text/javascript",
		"text/html; charset=utf-8; boundary=something",
		"Application/JSON",
	}
	for _, ct := range rewritable {
		if !ShouldRewriteContent(ct) {
			t.Errorf("expected %q to be rewritable", ct)
		}
	}

	passthrough := []string{"image/png", "application/octet-stream", "video/mp4", ""}
	for _, ct := range passthrough {
		if ShouldRewriteContent(ct) {
			t.Errorf("expected %q to pass through", ct)
		}
	}
}

func Test_rewrite_html_attributes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`<a href="/api/users">Users</a>`, `<a href="/abc123/api/users">Users</a>`},
		{`<img src="/images/logo.png">`, `<img src="/abc123/images/logo.png">`},
		{`<form action="/submit">...</form>`, `<form action="/abc123/submit">...</form>`},
	}
	for _, tc := range cases {
		got := _rewrite_html(tc.in, "/abc123", "abc123")
		if !strings.Contains(got, tc.want) {
			t.Errorf("input %q: got %q, want substring %q", tc.in, got, tc.want)
		}
	}
}

func Test_html_skip_rules(t *testing.T) {
	unchanged := []string{
		`<a href="https://example.com/page">External</a>`,
		`<script src="//cdn.example.com/script.js"></script>`,
		`<img src="data:image/png;base64,iVBOR...">`,
		`<a href="#section">Jump</a>`,
		`<a href="/abc123/api/users">Already prefixed</a>`,
	}
	for _, html := range unchanged {
		got := _rewrite_html(html, "/abc123", "abc123")
		if !strings.Contains(got, html) {
			t.Errorf("skip rule violated for %q: got %q", html, got)
		}
	}
}

func Test_rewrite_css_quote_styles(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`background: url('/images/bg.png');`, `background: url('/abc123/images/bg.png');`},
		{`background: url("/images/bg.png");`, `background: url("/abc123/images/bg.png");`},
		{`background: url(/images/bg.png);`, `background: url(/abc123/images/bg.png);`},
	}
	for _, tc := range cases {
		if got := _rewrite_css(tc.in, "/abc123"); got != tc.want {
			t.Errorf("input %q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func Test_css_skips_external_and_data_urls(t *testing.T) {
	unchanged := []string{
		`background: url('https://cdn.example.com/bg.png');`,
		`background: url('data:image/png;base64,AAAA');`,
		`background: url('/abc123/img/bg.png');`,
	}
	for _, css := range unchanged {
		if got := _rewrite_css(css, "/abc123"); got != css {
			t.Errorf("expected %q unchanged, got %q", css, got)
		}
	}
}

func Test_rewrite_json_allow_list(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"url": "/api/users"}`, `{"url": "/abc123/api/users"}`},
		{`{"baseUrl": "/v1/resources"}`, `{"baseUrl": "/abc123/v1/resources"}`},
		{`{"items": "/todos/today"}`, `{"items": "/abc123/todos/today"}`},
	}
	for _, tc := range cases {
		if got := _rewrite_json(tc.in, "/abc123"); got != tc.want {
			t.Errorf("input %q: got %q, want %q", tc.in, got, tc.want)
		}
	}

	unchanged := []string{
		`{"path": "/some/random/path"}`,
		`{"url": "https://example.com/api"}`,
		`{"url": "/abc123/api/users"}`,
	}
	for _, json := range unchanged {
		if got := _rewrite_json(json, "/abc123"); got != json {
			t.Errorf("expected %q unchanged, got %q", json, got)
		}
	}
}

func Test_rewrite_json_openapi_servers(t *testing.T) {
	json := `{"servers": [{"url": "/api"}], "openapi": "3.0.0"}`
	got := _rewrite_json(json, "/abc123")
	if !strings.Contains(got, `"servers": [{"url": "/abc123/api"`) {
		t.Errorf("servers url not rewritten: %q", got)
	}

	external := `{"servers": [{"url": "https://example.com"}]}`
	if got := _rewrite_json(external, "/abc123"); got != external {
		t.Errorf("external servers url rewritten: %q", got)
	}
}

func Test_rewrite_inline_javascript(t *testing.T) {
	html := "<script>\nconst ui = { url: '/openapi.json', path: '/api/v1' };\n</script>"
	got := _rewrite_html(html, "/abc123", "abc123")
	if !strings.Contains(got, "'/abc123/openapi.json'") {
		t.Errorf("openapi.json literal not rewritten: %q", got)
	}
	if !strings.Contains(got, "'/abc123/api/v1'") {
		t.Errorf("api literal not rewritten: %q", got)
	}
}

func Test_swagger_config_rewrite(t *testing.T) {
	html := `<script>
    const ui = SwaggerUIBundle({
        url: '/openapi.json',
        oauth2RedirectUrl: window.location.origin + '/docs/oauth2-redirect',
    })
    </script>`
	got := _rewrite_html(html, "/abc123", "abc123")
	if !strings.Contains(got, "url: '/abc123/openapi.json'") {
		t.Errorf("swagger url not rewritten: %q", got)
	}
	if !strings.Contains(got, "+ '/abc123/docs/oauth2-redirect'") {
		t.Errorf("redirect url not rewritten: %q", got)
	}
}

func Test_short_js_literals_survive(t *testing.T) {
	html := "<script>const x = '/';</script>"
	got := _rewrite_html(html, "/abc123", "abc123")
	if !strings.Contains(got, "const x = '/';") {
		t.Errorf("short literal rewritten: %q", got)
	}
}

func Test_tunnel_context_injection(t *testing.T) {
	html := "<html><head></head><body></body></html>"
	got := _rewrite_html(html, "/abc123", "abc123")
	if !strings.Contains(got, "window.__TUNNEL_CONTEXT__") {
		t.Errorf("context script missing: %q", got)
	}
	if !strings.Contains(got, "tunnelId: 'abc123'") {
		t.Errorf("tunnel id missing: %q", got)
	}
	if !strings.Contains(got, "basePath: '/abc123'") {
		t.Errorf("base path missing: %q", got)
	}
	if !strings.Contains(got, "window.__TUNNEL_BASE_PATH__") {
		t.Errorf("compat variable missing: %q", got)
	}
}

func Test_tunnel_context_without_head(t *testing.T) {
	html := "<html><body>No head tag</body></html>"
	got := _rewrite_html(html, "/abc123", "abc123")
	if !strings.Contains(got, "<head><script>") {
		t.Errorf("expected synthesised head after <html>: %q", got)
	}
}

func Test_inject_base_tag(t *testing.T) {
	html := `<html><head><title>Test</title></head><body></body></html>`
	got := _inject_base_tag(html, "/abc123")
	if !strings.Contains(got, `<base href="/abc123/"`) {
		t.Errorf("base tag missing: %q", got)
	}
	if !strings.Contains(got, "<title>Test</title>") {
		t.Errorf("document damaged: %q", got)
	}

	noHead := `<html><body>No head tag</body></html>`
	got = _inject_base_tag(noHead, "/abc123")
	if !strings.Contains(got, `<base href="/abc123/"`) {
		t.Errorf("base tag missing without head: %q", got)
	}
}

func Test_rewrite_response_content_strategies(t *testing.T) {
	html := `<html><head></head><body><a href="/api">API</a></body></html>`

	got, changed := RewriteResponseContent(html, "text/html", "abc123", RewriteFull)
	if !changed || !strings.Contains(got, `href="/abc123/api"`) {
		t.Errorf("full rewrite failed: changed=%v body=%q", changed, got)
	}

	got, changed = RewriteResponseContent(html, "text/html", "abc123", RewriteBaseTag)
	if !changed || !strings.Contains(got, `<base href="/abc123/"`) {
		t.Errorf("base tag strategy failed: changed=%v body=%q", changed, got)
	}

	got, changed = RewriteResponseContent(html, "text/html", "abc123", RewriteNone)
	if changed || got != html {
		t.Errorf("none strategy altered content: changed=%v body=%q", changed, got)
	}
}

func Test_rewrite_response_content_skips_binary(t *testing.T) {
	got, changed := RewriteResponseContent("binary data", "image/png", "abc123", RewriteFull)
	if changed || got != "binary data" {
		t.Errorf("binary content touched: changed=%v body=%q", changed, got)
	}
}

func Test_rewrite_standalone_javascript_passthrough(t *testing.T) {
	js := "const api = '/api/users';"
	got, changed := RewriteResponseContent(js, "application/javascript", "abc123", RewriteFull)
	if changed || got != js {
		t.Errorf("standalone javascript touched: changed=%v body=%q", changed, got)
	}
}

func Test_complex_html_document(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Test Page</title>
    <link rel="stylesheet" href="/static/style.css">
    <script src="/static/app.js"></script>
</head>
<body>
    <a href="/api/users">Users</a>
    <a href="https://external.com">External</a>
    <a href="#section">Anchor</a>
    <img src="/images/logo.png">
    <form action="/submit" method="POST">
        <input type="submit">
    </form>
</body>
</html>`

	got := _rewrite_html(html, "/abc123", "abc123")

	rewritten := []string{
		`href="/abc123/static/style.css"`,
		`src="/abc123/static/app.js"`,
		`href="/abc123/api/users"`,
		`src="/abc123/images/logo.png"`,
		`action="/abc123/submit"`,
	}
	for _, want := range rewritten {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}

	preserved := []string{
		`href="https://external.com"`,
		`href="#section"`,
	}
	for _, want := range preserved {
		if !strings.Contains(got, want) {
			t.Errorf("external reference damaged, missing %q", want)
		}
	}
}

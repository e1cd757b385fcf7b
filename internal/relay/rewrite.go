package relay

import (
	"fmt"
	"regexp"
	"strings"
)

// RewriteStrategy selects how response bodies are adjusted for path-based
// routing.
type RewriteStrategy int

const (
	// RewriteNone passes content through unchanged.
	RewriteNone RewriteStrategy = iota
	// RewriteBaseTag injects a <base> tag into HTML and nothing else.
	RewriteBaseTag
	// RewriteFull rewrites absolute paths in HTML, CSS and JSON.
	RewriteFull
)

// ShouldRewriteContent reports whether a content type is eligible for
// rewriting. parameters after the first semicolon are ignored.
func ShouldRewriteContent(contentType string) bool {
	switch _mime_type(contentType) {
	case "text/html", "text/css", "application/javascript", "text/javascript", "application/json":
		return true
	}
	return false
}

// _mime_type extracts the lowercased media type from a content-type value.
func _mime_type(contentType string) string {
	mime, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	return strings.TrimSpace(mime)
}

var (
	_html_href_re   = regexp.MustCompile(`href="(/[^"]*)"`)
	_html_src_re    = regexp.MustCompile(`src="(/[^"]*)"`)
	_html_action_re = regexp.MustCompile(`action="(/[^"]*)"`)

	_css_url_single_re = regexp.MustCompile(`url\('(/[^']+)'\)`)
	_css_url_double_re = regexp.MustCompile(`url\("(/[^"]+)"\)`)
	_css_url_bare_re   = regexp.MustCompile(`url\((/[^)]+)\)`)

	_js_single_re = regexp.MustCompile(`'(/[a-zA-Z0-9/_\-.]+)'`)
	_js_double_re = regexp.MustCompile(`"(/[a-zA-Z0-9/_\-.]+)"`)

	_json_path_re    = regexp.MustCompile(`"(/[a-zA-Z0-9/_-]+)"`)
	_json_servers_re = regexp.MustCompile(`"servers"\s*:\s*\[\s*\{\s*"url"\s*:\s*"([^"]*)"`)

	_head_tag_re = regexp.MustCompile(`(?i)<head[^>]*>`)
	_html_tag_re = regexp.MustCompile(`(?i)<html[^>]*>`)
)

// RewriteResponseContent rewrites absolute paths in a response body so they
// carry the tunnel prefix. Returns the body (possibly unchanged) and whether
// anything was rewritten. only textual content types are touched.
func RewriteResponseContent(body, contentType, tunnelID string, strategy RewriteStrategy) (string, bool) {
	if strategy == RewriteNone || !ShouldRewriteContent(contentType) {
		return body, false
	}

	prefix := "/" + tunnelID
	var result string
	switch _mime_type(contentType) {
	case "text/html":
		if strategy == RewriteBaseTag {
			result = _inject_base_tag(body, prefix)
		} else {
			result = _rewrite_html(body, prefix, tunnelID)
		}
	case "text/css":
		result = _rewrite_css(body, prefix)
	case "application/javascript", "text/javascript":
		// standalone JavaScript rewriting is too risky; inline scripts are
		// covered by the HTML pass.
		return body, false
	case "application/json":
		result = _rewrite_json(body, prefix)
	default:
		return body, false
	}

	return result, result != body
}

// _replace_capture applies re across body, passing the whole match and its
// first capture group to fn, which returns the replacement.
func _replace_capture(re *regexp.Regexp, body string, fn func(full, path string) string) string {
	return re.ReplaceAllStringFunc(body, func(full string) string {
		sub := re.FindStringSubmatch(full)
		if len(sub) < 2 {
			return full
		}
		return fn(full, sub[1])
	})
}

// _should_rewrite_path filters HTML attribute paths: external, protocol
// relative, data, anchor-only, empty and already-prefixed paths stay as-is.
func _should_rewrite_path(path, prefix string) bool {
	if path == "" || strings.HasPrefix(path, "#") {
		return false
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") ||
		strings.HasPrefix(path, "//") || strings.HasPrefix(path, "data:") {
		return false
	}
	if strings.HasPrefix(path, prefix+"/") || path == prefix {
		return false
	}
	return true
}

// _rewrite_html rewrites href/src/action attributes, conservative inline
// JavaScript literals, and injects the tunnel context script.
func _rewrite_html(body, prefix, tunnelID string) string {
	result := _replace_capture(_html_href_re, body, func(full, path string) string {
		if _should_rewrite_path(path, prefix) {
			return fmt.Sprintf(`href="%s%s"`, prefix, path)
		}
		return full
	})
	result = _replace_capture(_html_src_re, result, func(full, path string) string {
		if _should_rewrite_path(path, prefix) {
			return fmt.Sprintf(`src="%s%s"`, prefix, path)
		}
		return full
	})
	result = _replace_capture(_html_action_re, result, func(full, path string) string {
		if _should_rewrite_path(path, prefix) {
			return fmt.Sprintf(`action="%s%s"`, prefix, path)
		}
		return full
	})

	result = _rewrite_inline_js(result, prefix)
	return _inject_tunnel_context(result, tunnelID, prefix)
}

// _should_rewrite_js_path allows only literals that look like web resources,
// so variable names and non-path strings survive untouched.
func _should_rewrite_js_path(path, prefix string) bool {
	if len(path) < 2 {
		return false
	}
	if strings.HasPrefix(path, prefix+"/") || path == prefix {
		return false
	}
	for _, p := range []string{"/api", "/docs", "/openapi", "/swagger", "/v1", "/v2", "/v3"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, suffix := range []string{".json", ".yaml", ".yml"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// _rewrite_inline_js rewrites quoted absolute-path literals inside inline
// scripts.
func _rewrite_inline_js(body, prefix string) string {
	result := _replace_capture(_js_single_re, body, func(full, path string) string {
		if _should_rewrite_js_path(path, prefix) {
			return fmt.Sprintf(`'%s%s'`, prefix, path)
		}
		return full
	})
	return _replace_capture(_js_double_re, result, func(full, path string) string {
		if _should_rewrite_js_path(path, prefix) {
			return fmt.Sprintf(`"%s%s"`, prefix, path)
		}
		return full
	})
}

// _rewrite_css rewrites url() references in the three quote styles. the bare
// form runs last so quoted matches are not processed twice.
func _rewrite_css(body, prefix string) string {
	keep := func(path string) bool {
		return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") ||
			strings.HasPrefix(path, "//") || strings.HasPrefix(path, "data:") ||
			strings.HasPrefix(path, prefix+"/")
	}

	result := _replace_capture(_css_url_single_re, body, func(full, path string) string {
		if keep(path) {
			return full
		}
		return fmt.Sprintf("url('%s%s')", prefix, path)
	})
	result = _replace_capture(_css_url_double_re, result, func(full, path string) string {
		if keep(path) {
			return full
		}
		return fmt.Sprintf(`url("%s%s")`, prefix, path)
	})
	return _replace_capture(_css_url_bare_re, result, func(full, path string) string {
		path = strings.TrimSpace(path)
		if strings.HasPrefix(path, "'") || strings.HasPrefix(path, `"`) || keep(path) {
			return full
		}
		return fmt.Sprintf("url(%s%s)", prefix, path)
	})
}

// _rewrite_json rewrites the OpenAPI servers url field plus path-like string
// values on a known-prefix allow list.
func _rewrite_json(body, prefix string) string {
	result := _replace_capture(_json_servers_re, body, func(full, url string) string {
		if strings.HasPrefix(url, "/") && !strings.HasPrefix(url, prefix+"/") {
			return fmt.Sprintf(`"servers": [{"url": "%s%s"`, prefix, url)
		}
		return full
	})

	return _replace_capture(_json_path_re, result, func(full, path string) string {
		if len(path) < 2 {
			return full
		}
		if strings.HasPrefix(path, prefix+"/") || path == prefix {
			return full
		}
		if strings.Contains(path, "://") {
			return full
		}
		lower := strings.ToLower(path)
		for _, p := range []string{"/api", "/v1", "/v2", "/v3", "/docs", "/openapi", "/swagger", "/todos"} {
			if strings.HasPrefix(lower, p) {
				return fmt.Sprintf(`"%s%s"`, prefix, path)
			}
		}
		return full
	})
}

// _inject_base_tag inserts a <base> element after <head>, falling back to a
// synthesised head after <html>.
func _inject_base_tag(body, prefix string) string {
	if loc := _head_tag_re.FindStringIndex(body); loc != nil {
		tag := fmt.Sprintf(`<base href="%s/"`, prefix)
		return body[:loc[1]] + tag + body[loc[1]:]
	}
	if loc := _html_tag_re.FindStringIndex(body); loc != nil {
		tag := fmt.Sprintf(`<head><base href="%s/"></head>`, prefix)
		return body[:loc[1]] + tag + body[loc[1]:]
	}
	return body
}

// _inject_tunnel_context inserts a script exposing the tunnel id and base
// path to client-side code, so dynamic URL construction can account for the
// path prefix.
func _inject_tunnel_context(body, tunnelID, prefix string) string {
	script := fmt.Sprintf(`<script>
window.__TUNNEL_CONTEXT__ = {
    tunnelId: '%s',
    basePath: '%s',
    url: function(path) {
        if (!path) return this.basePath;
        const cleanPath = path.startsWith('/') ? path.substring(1) : path;
        return this.basePath + '/' + cleanPath;
    },
    getBaseUrl: function() {
        return window.location.origin + this.basePath;
    }
};
window.__TUNNEL_BASE_PATH__ = '%s';
</script>`, tunnelID, prefix, prefix)

	if loc := _head_tag_re.FindStringIndex(body); loc != nil {
		return body[:loc[1]] + script + body[loc[1]:]
	}
	if loc := _html_tag_re.FindStringIndex(body); loc != nil {
		return body[:loc[1]] + "<head>" + script + "</head>" + body[loc[1]:]
	}
	return script + body
}

package httpparser

import (
	"fmt"
	"strconv"
	"strings"
)

// Build serializes the parsed message back to wire form per spec.md
// §4.2: start-line, then headers in insertion order skipping any whose
// lowercased name appears in disableHeaders, a blank line, then body.
// A response without a framing header gets a Content-Length appended
// when it carries a body, matching the original's build_http_response.
func (p *Parser) Build(disableHeaders map[string]bool) []byte {
	var sb strings.Builder

	sb.WriteString(p.startLine())
	sb.WriteString("\r\n")

	bodyBytes, _ := p.Body.ReadAll()

	_, hasCL := p.Header("Content-Length")
	te, hasTE := p.Header("Transfer-Encoding")
	hasTE = hasTE && strings.Contains(strings.ToLower(te), "chunked")

	for _, h := range p.Headers() {
		if disableHeaders != nil && disableHeaders[strings.ToLower(h.Name)] {
			continue
		}
		for _, v := range h.Values {
			sb.WriteString(h.Name)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}

	if p.typ == TypeResponse && len(bodyBytes) > 0 && !hasCL && !hasTE {
		sb.WriteString("Content-Length: ")
		sb.WriteString(strconv.Itoa(len(bodyBytes)))
		sb.WriteString("\r\n")
	}

	sb.WriteString("\r\n")

	out := []byte(sb.String())
	if len(bodyBytes) > 0 {
		out = append(out, bodyBytes...)
	}
	return out
}

func (p *Parser) startLine() string {
	if p.typ == TypeRequest {
		version := p.Version
		if version == "" {
			version = "HTTP/1.1"
		}
		return fmt.Sprintf("%s %s %s", p.Method, p.Path, version)
	}
	if p.Reason != "" {
		return fmt.Sprintf("%s %d %s", p.Version, p.StatusCode, p.Reason)
	}
	return fmt.Sprintf("%s %d", p.Version, p.StatusCode)
}

// Package origin implements the browser origin policy shared by the REST
// routes and the websocket upgrade.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Origin is a parsed, canonicalized browser Origin header.
type Origin struct {
	// Null marks the opaque "null" origin (sandboxed iframes, file://).
	Null   bool
	Scheme string
	// Host is the canonical host[:port]: lowercased, IPv6 bracketed, the
	// scheme's default port stripped.
	Host string
}

// String renders the origin the way it is matched against the allow-list and
// echoed in CORS headers.
func (o Origin) String() string {
	if o.Null {
		return "null"
	}
	return o.Scheme + "://" + o.Host
}

// Parse validates and canonicalizes an Origin header value. Only http and
// https origins (and the literal "null") are accepted; userinfo, path, query,
// and fragment components are rejected.
func Parse(header string) (Origin, bool) {
	trimmed := strings.TrimSpace(header)
	switch trimmed {
	case "":
		return Origin{}, false
	case "null":
		return Origin{Null: true}, true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Origin{}, false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return Origin{}, false
	}
	if u.Path != "" && u.Path != "/" {
		return Origin{}, false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, false
	}
	host, ok := canonicalAuthority(u.Host, scheme)
	if !ok {
		return Origin{}, false
	}
	return Origin{Scheme: scheme, Host: host}, true
}

// Policy decides which browser origins may reach the service. With no
// configured entries the policy is same-host only. Entries may be "*",
// "null", or an origin; origins are canonicalized at construction, so
// "HTTPS://App.Example.COM:443" and "https://app.example.com" configure the
// same thing.
type Policy struct {
	wildcard bool
	allowed  map[string]struct{}
}

func NewPolicy(entries []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
		case "*":
			p.wildcard = true
		case "null":
			p.allowed["null"] = struct{}{}
		default:
			if o, ok := Parse(entry); ok {
				p.allowed[o.String()] = struct{}{}
			} else {
				// A malformed entry can never equal a canonical origin, so an
				// operator typo denies rather than widens.
				p.allowed[entry] = struct{}{}
			}
		}
	}
	return p
}

// Check parses the Origin header and applies the policy against the
// request's Host header. On success it returns the canonical origin string
// to echo in CORS headers.
func (p Policy) Check(originHeader, requestHost string) (string, bool) {
	o, ok := Parse(originHeader)
	if !ok {
		return "", false
	}
	echo := o.String()

	if p.wildcard {
		return echo, true
	}
	if _, ok := p.allowed[echo]; ok {
		return echo, true
	}
	if len(p.allowed) > 0 {
		return "", false
	}

	// Same host:port, default ports equivalent. Scheme is not compared: behind
	// a TLS-terminating proxy the request arrives as HTTP while the browser
	// Origin is HTTPS. "null" never matches a host.
	if o.Null {
		return "", false
	}
	reqHost, ok := canonicalAuthority(requestHost, o.Scheme)
	if !ok || o.Host != reqHost {
		return "", false
	}
	return echo, true
}

// canonicalAuthority lowercases a host[:port] authority, brackets IPv6
// literals, and strips the scheme's default port.
func canonicalAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port], unbracketing IPv6 literals. The port is
// returned unvalidated and is empty when absent.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		switch {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		i := strings.IndexByte(authority, ':')
		if i == 0 || i == len(authority)-1 {
			return "", "", false
		}
		return authority[:i], authority[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}

package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// WireURL percent-encodes the query of a compiled OData URL so it can be put
// on the wire. Compiled URLs carry literal spaces, quotes and parentheses in
// their system query options; those are escaped here and nowhere else.
//
// Parameters are recognised by their "$" prefix, so an "&" inside a filter
// value that is not followed by "$" stays part of that value.
func WireURL(raw string) (string, error) {
	base, query, hasQuery := strings.Cut(raw, "?")

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("fetch: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("fetch: url %q is not absolute", base)
	}
	if !hasQuery || query == "" {
		return base, nil
	}

	params := splitParams(query)
	encoded := make([]string, 0, len(params))
	for _, p := range params {
		name, value, hasValue := strings.Cut(p, "=")
		if !hasValue {
			encoded = append(encoded, escape(name))
			continue
		}
		encoded = append(encoded, escape(name)+"="+escape(value))
	}
	return base + "?" + strings.Join(encoded, "&"), nil
}

func splitParams(query string) []string {
	var params []string
	for _, seg := range strings.Split(query, "&") {
		if len(params) > 0 && !strings.HasPrefix(seg, "$") {
			params[len(params)-1] += "&" + seg
			continue
		}
		params = append(params, seg)
	}
	return params
}

// escape is QueryEscape with spaces as %20 and "$" kept literal, matching
// how OData clients usually write system query options.
func escape(s string) string {
	s = url.QueryEscape(s)
	s = strings.ReplaceAll(s, "+", "%20")
	return strings.ReplaceAll(s, "%24", "$")
}

package auth

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const amzHeaderPrefix = "x-amz-"

// Subresources is the closed set of query parameter names that take part in
// the canonical resource. Every other parameter is sent but never signed.
var Subresources = map[string]bool{
	"acl":            true,
	"lifecycle":      true,
	"location":       true,
	"logging":        true,
	"notification":   true,
	"partNumber":     true,
	"policy":         true,
	"requestPayment": true,
	"torrent":        true,
	"uploadId":       true,
	"uploads":        true,
	"versionId":      true,
	"versioning":     true,
	"versions":       true,
	"website":        true,
}

// ExtendedSubresources is the wider set signed by SDKs that follow later
// revisions of the S3 documentation, such as minio-go. Verifiers accept a
// signature over either set; the request builder only ever signs Subresources.
var ExtendedSubresources = map[string]bool{
	"acl":                          true,
	"cors":                         true,
	"delete":                       true,
	"encryption":                   true,
	"legal-hold":                   true,
	"lifecycle":                    true,
	"location":                     true,
	"logging":                      true,
	"notification":                 true,
	"partNumber":                   true,
	"policy":                       true,
	"requestPayment":               true,
	"response-cache-control":       true,
	"response-content-disposition": true,
	"response-content-encoding":    true,
	"response-content-language":    true,
	"response-content-type":        true,
	"response-expires":             true,
	"retention":                    true,
	"select":                       true,
	"select-type":                  true,
	"tagging":                      true,
	"torrent":                      true,
	"uploadId":                     true,
	"uploads":                      true,
	"versionId":                    true,
	"versioning":                   true,
	"versions":                     true,
	"website":                      true,
}

// Header is a single request header as supplied by the caller.
type Header struct {
	Name  string
	Value string
}

// HeaderList is an ordered header collection with case-insensitive name
// matching. Unlike http.Header it keeps insertion order and the caller's
// spelling of each name.
type HeaderList []Header

// Get returns the value of the first header named name.
func (h HeaderList) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Set replaces every header named name with a single entry holding value,
// keeping the position of the first match.
func (h *HeaderList) Set(name, value string) {
	out := (*h)[:0]
	replaced := false
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			if replaced {
				continue
			}
			hdr = Header{Name: name, Value: value}
			replaced = true
		}
		out = append(out, hdr)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Add appends a header without replacing existing entries of the same name.
func (h *HeaderList) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every header named name.
func (h *HeaderList) Del(name string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	*h = out
}

// Clone returns a copy that shares no storage with h.
func (h HeaderList) Clone() HeaderList {
	return append(HeaderList(nil), h...)
}

// HTTPHeader converts the list into an http.Header.
func (h HeaderList) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, hdr := range h {
		out.Add(hdr.Name, hdr.Value)
	}
	return out
}

// HeaderListFromHTTP flattens an http.Header. Names are ordered so the
// result is deterministic.
func HeaderListFromHTTP(src http.Header) HeaderList {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)

	var out HeaderList
	for _, name := range names {
		for _, v := range src[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// QueryParam is a query string parameter. HasValue distinguishes a bare
// "?acl" (false) from "?acl=" (true with an empty Value).
type QueryParam struct {
	Name     string
	Value    string
	HasValue bool
}

// Flag returns a parameter that is present without a value.
func Flag(name string) QueryParam {
	return QueryParam{Name: name}
}

// Param returns a parameter carrying value.
func Param(name, value string) QueryParam {
	return QueryParam{Name: name, Value: value, HasValue: true}
}

// QueryList is an ordered list of query parameters.
type QueryList []QueryParam

// Encode renders the list for the wire. Parameters with a value are encoded
// first, in order; valueless parameters are appended afterwards as bare
// "&name" fragments so they survive clients that drop them.
func (q QueryList) Encode() string {
	var b strings.Builder
	for _, p := range q {
		if !p.HasValue {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	for _, p := range q {
		if p.HasValue {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
	}
	return b.String()
}

// ParseQuery parses a raw query string keeping valueless parameters
// distinguishable from empty ones. Undecodable fragments are kept verbatim.
func ParseQuery(raw string) QueryList {
	var out QueryList
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		out = append(out, QueryParam{Name: name, Value: value, HasValue: hasValue})
	}
	return out
}

// CanonicalResource renders path followed by the signed subresources of
// query, sorted by name. When a subresource appears more than once only its
// first occurrence is signed.
func CanonicalResource(path string, query QueryList) string {
	return canonicalResource(path, query, Subresources)
}

func canonicalResource(path string, query QueryList, subresources map[string]bool) string {
	if path == "" {
		path = "/"
	}

	seen := make(map[string]bool)
	var params []QueryParam
	for _, p := range query {
		if !subresources[p.Name] || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		params = append(params, p)
	}
	if len(params) == 0 {
		return path
	}

	sort.SliceStable(params, func(i, j int) bool {
		return params[i].Name < params[j].Name
	})

	var b strings.Builder
	b.WriteString(path)
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p.Name)
		if p.HasValue {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// canonicalAmzHeaders renders the x-amz-* headers of h, lower-cased and
// sorted by name. Repeated names are joined with commas in insertion order.
func canonicalAmzHeaders(h HeaderList) string {
	values := make(map[string][]string)
	var names []string
	for _, hdr := range h {
		name := strings.ToLower(strings.TrimSpace(hdr.Name))
		if !strings.HasPrefix(name, amzHeaderPrefix) {
			continue
		}
		if _, ok := values[name]; !ok {
			names = append(names, name)
		}
		values[name] = append(values[name], strings.TrimSpace(hdr.Value))
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(values[name], ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// StringToSign builds the canonical string for a header-signed request:
//
//	METHOD\nContent-MD5\nContent-Type\nDate\n[x-amz-name:value\n...]resource
//
// Content-MD5, Content-Type and Date produce an empty line when absent.
func StringToSign(method string, header HeaderList, query QueryList, path string) string {
	return stringToSign(method, header, query, path, Subresources)
}

func stringToSign(method string, header HeaderList, query QueryList, path string, subresources map[string]bool) string {
	contentMD5, _ := header.Get("Content-MD5")
	contentType, _ := header.Get("Content-Type")
	date, _ := header.Get("Date")

	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(contentMD5)
	b.WriteString("\n")
	b.WriteString(contentType)
	b.WriteString("\n")
	b.WriteString(date)
	b.WriteString("\n")
	b.WriteString(canonicalAmzHeaders(header))
	b.WriteString(canonicalResource(path, query, subresources))

	return b.String()
}

package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is a single SIP header field. Messages keep headers as an ordered
// list so that repeated fields (Via, Allow) and their relative order survive
// serialization.
type Header struct {
	Name  string
	Value string
}

// SIPRequest represents a SIP request.
type SIPRequest struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	Body    []byte
}

// AppendHeader adds a header at the end of the header list.
func (r *SIPRequest) AppendHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// SetHeader replaces the first header with the given name, or appends it.
func (r *SIPRequest) SetHeader(name, value string) {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Name, name) {
			r.Headers[i].Value = value
			return
		}
	}
	r.AppendHeader(name, value)
}

// GetHeader returns the value of the first header with the given name,
// case-insensitively. Missing headers yield "".
func (r *SIPRequest) GetHeader(name string) string {
	return getHeader(r.Headers, name)
}

// GetHeaders returns the values of every header with the given name, in order.
func (r *SIPRequest) GetHeaders(name string) []string {
	return getHeaders(r.Headers, name)
}

// TopVia parses the topmost Via header.
func (r *SIPRequest) TopVia() (*Via, error) {
	return topVia(r.Headers)
}

// String serializes the request. Content-Length is always computed from the
// body; any stored Content-Length header is ignored by the parser.
func (r *SIPRequest) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, r.URI, r.Proto)
	writeHeaders(&b, r.Headers, len(r.Body))
	b.Write(r.Body)
	return b.String()
}

// SIPResponse represents a SIP response.
type SIPResponse struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

// AppendHeader adds a header at the end of the header list.
func (r *SIPResponse) AppendHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// GetHeader returns the value of the first header with the given name.
func (r *SIPResponse) GetHeader(name string) string {
	return getHeader(r.Headers, name)
}

// GetHeaders returns the values of every header with the given name, in order.
func (r *SIPResponse) GetHeaders(name string) []string {
	return getHeaders(r.Headers, name)
}

// TopVia parses the topmost Via header.
func (r *SIPResponse) TopVia() (*Via, error) {
	return topVia(r.Headers)
}

// Expires returns the registration lifetime granted by this response: the
// expires parameter of the Contact header when present, the Expires header
// otherwise, -1 when the response carries neither.
func (r *SIPResponse) Expires() int {
	contact := r.GetHeader("Contact")
	for _, part := range strings.Split(contact, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "expires="); ok {
			if exp, err := strconv.Atoi(v); err == nil {
				return exp
			}
		}
	}
	if v := r.GetHeader("Expires"); v != "" {
		if exp, err := strconv.Atoi(v); err == nil {
			return exp
		}
	}
	return -1
}

// String serializes the response.
func (r *SIPResponse) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", r.Proto, r.StatusCode, r.Reason)
	writeHeaders(&b, r.Headers, len(r.Body))
	b.Write(r.Body)
	return b.String()
}

// BuildResponse constructs a response to a request, copying the headers a
// response must echo per RFC 3261 section 8.2.6.
func BuildResponse(statusCode int, reason string, req *SIPRequest, extraHeaders []Header) *SIPResponse {
	resp := &SIPResponse{
		Proto:      req.Proto,
		StatusCode: statusCode,
		Reason:     reason,
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, val := range req.GetHeaders(name) {
			resp.AppendHeader(name, val)
		}
	}
	resp.Headers = append(resp.Headers, extraHeaders...)
	return resp
}

func getHeader(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func getHeaders(headers []Header, name string) []string {
	var values []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

func topVia(headers []Header) (*Via, error) {
	raw := getHeader(headers, "Via")
	if raw == "" {
		return nil, fmt.Errorf("message has no Via header")
	}
	// A Via header may carry several values; only the topmost one matters here.
	if idx := strings.Index(raw, ","); idx != -1 {
		raw = raw[:idx]
	}
	return ParseVia(raw)
}

func writeHeaders(b *strings.Builder, headers []Header, contentLength int) {
	for _, h := range headers {
		fmt.Fprintf(b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(b, "Content-Length: %d\r\n\r\n", contentLength)
}

// Via is a parsed Via header value.
type Via struct {
	Proto  string // e.g. "SIP/2.0/UDP"
	Host   string
	Port   string
	Params []Header // valueless parameters keep an empty Value
}

// ParseVia parses a single Via header value.
func ParseVia(raw string) (*Via, error) {
	raw = strings.TrimSpace(raw)
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid Via header: %q", raw)
	}

	via := &Via{Proto: fields[0]}

	rest := strings.Join(fields[1:], "")
	parts := strings.Split(rest, ";")
	hostport := parts[0]
	if idx := strings.LastIndex(hostport, ":"); idx != -1 && !strings.HasSuffix(hostport, "]") {
		via.Host = hostport[:idx]
		via.Port = hostport[idx+1:]
	} else {
		via.Host = hostport
	}

	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		if name, value, found := strings.Cut(p, "="); found {
			via.Params = append(via.Params, Header{Name: name, Value: value})
		} else {
			via.Params = append(via.Params, Header{Name: p})
		}
	}
	return via, nil
}

// Param returns a Via parameter value and whether the parameter is present.
func (v *Via) Param(name string) (string, bool) {
	for _, p := range v.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Branch returns the branch parameter, or "".
func (v *Via) Branch() string {
	branch, _ := v.Param("branch")
	return branch
}

// Received returns the received parameter when the peer rewrote our source
// address into the Via.
func (v *Via) Received() (string, bool) {
	received, ok := v.Param("received")
	if !ok || received == "" {
		return "", false
	}
	return received, true
}

// RPort returns the rport parameter value when the peer filled it in. An
// empty rport (as sent in requests) reports absent.
func (v *Via) RPort() (int, bool) {
	raw, ok := v.Param("rport")
	if !ok || raw == "" {
		return 0, false
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return port, true
}

// String serializes the Via value.
func (v *Via) String() string {
	var b strings.Builder
	b.WriteString(v.Proto)
	b.WriteByte(' ')
	b.WriteString(v.Host)
	if v.Port != "" {
		b.WriteByte(':')
		b.WriteString(v.Port)
	}
	for _, p := range v.Params {
		b.WriteByte(';')
		b.WriteString(p.Name)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSIPRequest parses a raw SIP request.
func ParseSIPRequest(raw string) (*SIPRequest, error) {
	startLine, headers, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}

	reqLine := strings.SplitN(startLine, " ", 3)
	if len(reqLine) != 3 {
		return nil, fmt.Errorf("invalid request line: %s", startLine)
	}
	if strings.HasPrefix(reqLine[0], "SIP/") {
		return nil, fmt.Errorf("not a request: %s", startLine)
	}

	return &SIPRequest{
		Method:  reqLine[0],
		URI:     reqLine[1],
		Proto:   reqLine[2],
		Headers: headers,
		Body:    body,
	}, nil
}

// ParseSIPResponse parses a raw SIP response.
func ParseSIPResponse(raw string) (*SIPResponse, error) {
	startLine, headers, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}

	statusLine := strings.SplitN(startLine, " ", 3)
	if len(statusLine) < 2 || !strings.HasPrefix(statusLine[0], "SIP/") {
		return nil, fmt.Errorf("invalid status line: %s", startLine)
	}
	code, err := strconv.Atoi(statusLine[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code in %q: %w", startLine, err)
	}
	reason := ""
	if len(statusLine) == 3 {
		reason = statusLine[2]
	}

	return &SIPResponse{
		Proto:      statusLine[0],
		StatusCode: code,
		Reason:     reason,
		Headers:    headers,
		Body:       body,
	}, nil
}

// splitMessage separates a raw SIP message into its start line, header list
// and body. Content-Length is consumed here and never stored as a header;
// serialization recomputes it from the body.
func splitMessage(raw string) (string, []Header, []byte, error) {
	if raw == "" {
		return "", nil, nil, fmt.Errorf("empty message")
	}

	head, body, _ := strings.Cut(raw, "\r\n\r\n")
	lines := strings.Split(head, "\r\n")

	var headers []Header
	contentLength := -1
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue // malformed header line
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, "Content-Length") || name == "l" {
			if n, err := strconv.Atoi(value); err == nil {
				contentLength = n
			}
			continue
		}
		headers = append(headers, Header{Name: name, Value: value})
	}

	bodyBytes := []byte(body)
	if contentLength >= 0 && contentLength < len(bodyBytes) {
		bodyBytes = bodyBytes[:contentLength]
	}
	if len(bodyBytes) == 0 {
		bodyBytes = nil
	}

	return lines[0], headers, bodyBytes, nil
}

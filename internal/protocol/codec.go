package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Request field names. Lookups are exact; a differently cased key is treated as missing.
const fieldURI = "uri"

// DecodeScanRequest parses the inbound request document.
func DecodeScanRequest(text string) (ScanRequest, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return ScanRequest{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if doc == nil {
		return ScanRequest{}, fmt.Errorf("%w: expected object", ErrMalformedMessage)
	}

	raw, ok := doc[fieldURI]
	if !ok {
		return ScanRequest{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldURI)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ScanRequest{}, fmt.Errorf("%w: %s must be a string", ErrMalformedMessage, fieldURI)
	}

	u, err := ParseTarget(s)
	if err != nil {
		return ScanRequest{}, err
	}
	return ScanRequest{URI: u}, nil
}

// ParseTarget accepts only absolute URIs with a host
func ParseTarget(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid uri: %v", ErrMalformedMessage, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: uri %q is not absolute", ErrMalformedMessage, s)
	}
	return u, nil
}

// Encode renders an outbound message as wire text
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return data, nil
}

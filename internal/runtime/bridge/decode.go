package bridge

import (
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// DecodeText converts a response body to UTF-8. The charset parameter of
// contentType wins; otherwise valid UTF-8 is kept as is and anything else is
// sniffed.
func DecodeText(body []byte, contentType string) string {
	if name := declaredCharset(contentType); name != "" {
		if text, ok := decodeAs(body, name); ok {
			return text
		}
	}
	if utf8.Valid(body) {
		return string(body)
	}
	if name := DetectCharset(body); name != "" {
		if text, ok := decodeAs(body, name); ok {
			return text
		}
	}
	return strings.ToValidUTF8(string(body), "�")
}

// DetectCharset guesses the charset of data, or returns ""
func DetectCharset(data []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return ""
	}
	return strings.ToLower(result.Charset)
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

func decodeAs(body []byte, name string) (string, bool) {
	enc, canonical := charset.Lookup(name)
	if enc == nil {
		return "", false
	}
	if canonical == "utf-8" {
		return strings.ToValidUTF8(string(body), "�"), true
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", false
	}
	return string(out), true
}

package http1

import (
	"bufio"
	"fmt"
)

// WriteContinue writes the interim "100 Continue" response that lets a
// client with "Expect: 100-continue" proceed to send its body.
func WriteContinue(bw *bufio.Writer) error {
	_, err := fmt.Fprint(bw, "HTTP/1.1 100 Continue\r\n\r\n")
	return err
}

// SanitizeHeaderKey returns k if it is a valid HTTP token, else "".
func SanitizeHeaderKey(k string) string {
	if k == "" {
		return ""
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return ""
		}
	}
	return k
}

// SanitizeHeaderValue strips CR/LF and control characters (except
// HTAB) from v.
func SanitizeHeaderValue(v string) string {
	return sanitizeHeaderValue(v)
}

// Package util holds small helpers for keeping credentials out of logs.
package util

import (
	"net/url"
	"strings"
)

// HideSecret obscures a credential for logging, keeping only a few edge characters.
func HideSecret(secret string) string {
	switch n := len(secret); {
	case n > 8:
		return secret[:4] + "..." + secret[n-4:]
	case n > 4:
		return secret[:2] + "..." + secret[n-2:]
	case n > 2:
		return secret[:1] + "..." + secret[n-1:]
	default:
		return secret
	}
}

// MaskSensitiveQuery masks credential-looking parameters, e.g. access_token, within a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart, valuePart, _ := strings.Cut(part, "=")
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !isSensitiveKey(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideSecret(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

// MaskDSN hides the password of a URL or key=value database DSN.
func MaskDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "***"
		}
		if parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				parsed.User = url.UserPassword(parsed.User.Username(), "***")
			}
		}
		if parsed.RawQuery != "" {
			parsed.RawQuery = MaskSensitiveQuery(parsed.RawQuery)
		}
		return parsed.String()
	}

	fields := strings.Fields(trimmed)
	for i, field := range fields {
		key, _, ok := strings.Cut(field, "=")
		if ok && isSensitiveKey(key) {
			fields[i] = key + "=***"
		}
	}
	return strings.Join(fields, " ")
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	key = strings.TrimSuffix(key, "[]")
	if key == "key" || strings.Contains(key, "api-key") || strings.Contains(key, "apikey") || strings.Contains(key, "api_key") {
		return true
	}
	return strings.Contains(key, "token") || strings.Contains(key, "secret") || strings.Contains(key, "password")
}

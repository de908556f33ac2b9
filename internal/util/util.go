package util

import (
	"os"
	"regexp"
	"strings"
)

// windowsVarRegex matches Windows-style %VAR% references.
var windowsVarRegex = regexp.MustCompile(`%([A-Za-z0-9_]+)%`)

// ExpandEnvUniversal expands $VAR, ${VAR} and %VAR% references.
// Unset variables expand to an empty string, as os.ExpandEnv does.
// Connection credentials in the YAML file are written this way so that
// they can live in the environment or a .env file instead of in the config.
func ExpandEnvUniversal(s string) string {
	if s == "" {
		return s
	}
	expanded := os.ExpandEnv(s)
	return windowsVarRegex.ReplaceAllStringFunc(expanded, func(match string) string {
		if value, ok := os.LookupEnv(match[1 : len(match)-1]); ok {
			return value
		}
		return ""
	})
}

// Truncate shortens s to at most maxRunes runes, appending "..." when cut.
// Used to keep SQL text and driver messages readable in log lines.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

// CompactSQL collapses all whitespace runs in a query to single spaces.
func CompactSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// --- Credential masking ---

// sensitiveKeysRegex identifies keys that likely hold secrets (case-insensitive).
var sensitiveKeysRegex = regexp.MustCompile(`(?i)password|secret|token|key|auth|credential|pass|pwd`)

// kvPasswordRegex matches password entries in ADO-style "k=v;k=v" and
// URL query style "k=v&k=v" connection strings.
var kvPasswordRegex = regexp.MustCompile(`(?i)((?:password|pwd)\s*=\s*)([^;&]*)`)

const maskedValue = "********"

// MaskCredentials hides the password in a connection string before it is logged.
// Both URI userinfo ("sqlserver://user:pw@host", "clickhouse://user:pw@host")
// and key/value entries ("password=pw") are masked. Anything else is returned unchanged.
func MaskCredentials(dsn string) string {
	masked := kvPasswordRegex.ReplaceAllString(dsn, "${1}"+maskedValue)

	schemeIndex := strings.Index(masked, "://")
	if schemeIndex == -1 {
		return masked
	}
	prefix := masked[:schemeIndex+3]
	rest := masked[schemeIndex+3:]

	// Userinfo ends at the last '@' before the path.
	authority := rest
	if slash := strings.Index(rest, "/"); slash != -1 {
		authority = rest[:slash]
	}
	at := strings.LastIndex(authority, "@")
	if at == -1 {
		return masked
	}
	userInfo := authority[:at]
	colon := strings.Index(userInfo, ":")
	if colon == -1 {
		return masked
	}
	return prefix + userInfo[:colon] + ":" + maskedValue + rest[at:]
}

// MaskSensitiveData returns a copy of data with secrets masked, recursing into nested maps.
// Values under sensitive keys are replaced. Other strings go through MaskCredentials.
func MaskSensitiveData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		sensitive := sensitiveKeysRegex.MatchString(key)
		switch v := value.(type) {
		case map[string]interface{}:
			out[key] = MaskSensitiveData(v)
		case string:
			if sensitive && v != "" {
				out[key] = maskedValue
			} else {
				out[key] = MaskCredentials(v)
			}
		default:
			if sensitive && v != nil {
				out[key] = maskedValue
			} else {
				out[key] = v
			}
		}
	}
	return out
}

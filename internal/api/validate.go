package api

import (
	"net/url"
	"regexp"
)

// maxURLLen is the maximum length for webhook URL fields.
const maxURLLen = 2048

// maxSessionIDLen bounds caller-supplied session identifiers.
const maxSessionIDLen = 128

// phoneRe validates E.164 numbers: + followed by 7 to 15 digits, no leading zero.
var phoneRe = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// codeRe validates OTP codes: 4 to 8 digits.
var codeRe = regexp.MustCompile(`^\d{4,8}$`)

// prefixRe validates route prefixes: digits only, up to 15.
var prefixRe = regexp.MustCompile(`^\d{1,15}$`)

// voiceCallerIdRe validates voice caller IDs: optional +, 10-15 digits.
var voiceCallerIdRe = regexp.MustCompile(`^\+?\d{10,15}$`)

// smsCallerIdRe validates SMS sources: E.164 or an alphanumeric sender id
// up to 11 characters.
var smsCallerIdRe = regexp.MustCompile(`^(\+?\d{7,15}|[a-zA-Z][a-zA-Z0-9 ]{0,10})$`)

// validPhone reports whether the value is a plausible E.164 number.
func validPhone(value string) bool {
	return phoneRe.MatchString(value)
}

// validCode reports whether the value is a 4-8 digit OTP code.
func validCode(value string) bool {
	return codeRe.MatchString(value)
}

// validChannels checks that every entry is a known channel name and the
// list has no duplicates.
func validChannels(channels []string) bool {
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch != "sms" && ch != "voice" {
			return false
		}
		if seen[ch] {
			return false
		}
		seen[ch] = true
	}
	return true
}

// validWebhookURL accepts empty or an absolute http(s) URL.
func validWebhookURL(value string) bool {
	if value == "" {
		return true
	}
	if len(value) > maxURLLen {
		return false
	}
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validRoutePrefix accepts the wildcard or a digit prefix.
func validRoutePrefix(value string) bool {
	return value == "*" || prefixRe.MatchString(value)
}

// validCallerID checks a route's caller id against per-channel rules:
// voice requires a dialable number, SMS also allows alphanumeric sender ids.
func validCallerID(channel, value string) bool {
	switch channel {
	case "voice":
		return voiceCallerIdRe.MatchString(value)
	case "sms":
		return smsCallerIdRe.MatchString(value)
	default:
		return false
	}
}

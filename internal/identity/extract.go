// Package identity pulls the conversation and model identifiers out of the
// opaque response blobs recorded by the AI proxy.
//
// Extraction never fails: a blob without the key, or one that is not JSON at
// all, simply yields "".
package identity

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strings"
)

const (
	conversationKey = "conversation_id"
	modelKey        = "model_slug"
)

var (
	conversationPattern = regexp.MustCompile(`"conversation_id":\s*"([^"]+)"`)
	modelPattern        = regexp.MustCompile(`"model_slug":\s*"([^"]+)"`)
)

// ConversationID returns the conversation identifier embedded in raw.
func ConversationID(raw string) string {
	return extract(raw, conversationKey, conversationPattern)
}

// Model returns the model identifier embedded in raw.
func Model(raw string) string {
	return extract(raw, modelKey, modelPattern)
}

func extract(raw, key string, pattern *regexp.Regexp) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	if v := FromJSON(raw, key); v != "" {
		return v
	}
	if v := FromEventStream(raw, key); v != "" {
		return v
	}
	return FromPattern(raw, pattern)
}

// FromJSON scans raw as a JSON token stream and returns the first non-empty
// string value stored under key at any depth. Tokens read before a syntax
// error still count, so a truncated document can match.
func FromJSON(raw, key string) string {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	// Tracks, per open container, whether the next string token is an object key.
	var inObject []bool
	expectKey := func() bool {
		return len(inObject) > 0 && inObject[len(inObject)-1]
	}
	var pendingKey string
	var afterKey bool
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{':
				inObject = append(inObject, true)
			case '[':
				inObject = append(inObject, false)
			case '}', ']':
				if len(inObject) > 0 {
					inObject = inObject[:len(inObject)-1]
				}
			}
			afterKey = false
			continue
		case string:
			if afterKey {
				if pendingKey == key && v != "" {
					return v
				}
				afterKey = false
				continue
			}
			if expectKey() {
				pendingKey = v
				afterKey = true
				continue
			}
		default:
			afterKey = false
		}
	}
}

// FromEventStream handles server-sent-event framing, where every payload line
// is prefixed with "data:". Each payload is scanned with FromJSON in order.
func FromEventStream(raw, key string) string {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if v := FromJSON(payload, key); v != "" {
			return v
		}
	}
	return ""
}

// FromPattern is the literal best-effort fallback: the first `"key": "value"`
// occurrence anywhere in raw, regardless of the surrounding structure.
func FromPattern(raw string, pattern *regexp.Regexp) string {
	m := pattern.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

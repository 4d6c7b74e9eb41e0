package agent

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// UnitKind classifies a decoded response unit.
type UnitKind int

const (
	// UnitUnknown carries no recognised answer and no metadata signal.
	UnitUnknown UnitKind = iota
	// UnitAnswer carries answer text.
	UnitAnswer
	// UnitMetadata carries only correlation ids: the upstream is still working.
	UnitMetadata
)

func (k UnitKind) String() string {
	switch k {
	case UnitAnswer:
		return "answer"
	case UnitMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// AnswerUnit is one decoded response body, stream line or chunk.
type AnswerUnit struct {
	Raw  []byte
	Text string
	Kind UnitKind
}

// minBestEffortLen is the shortest serialization accepted as a best-effort answer.
const minBestEffortLen = 10

var metadataKeys = map[string]struct{}{
	"request_id":      {},
	"conversation_id": {},
}

// extractRule pulls answer text out of one payload shape. ok=false means the
// rule does not apply and the next rule is tried.
type extractRule struct {
	name    string
	extract func(root gjson.Result) (text string, kind UnitKind, ok bool)
}

// answerRules is evaluated in order; the first rule that applies wins.
// Supporting a new upstream shape means adding a row.
var answerRules = []extractRule{
	{name: "answer", extract: stringField("answer")},
	{name: "content", extract: stringField("content")},
	{name: "result", extract: anyField("result")},
	{name: "text", extract: stringField("text")},
	{name: "message", extract: stringField("message")},
	{name: "data.answer", extract: stringField("data.answer")},
	{name: "metadata", extract: metadataOnly},
	{name: "messages", extract: lastAssistantMessage},
	{name: "serialized", extract: bestEffort},
}

// Decode returns the answer text carried by raw, or "" when there is none.
func Decode(raw []byte) string {
	return DecodeUnit(raw).Text
}

// DecodeUnit decodes one response unit of any known shape. It never fails:
// unparseable or unrecognised input yields an empty UnitUnknown.
func DecodeUnit(raw []byte) AnswerUnit {
	unit := AnswerUnit{Raw: raw}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return unit
	}
	root := gjson.ParseBytes(trimmed)
	if root.Type == gjson.String {
		if root.Str != "" {
			unit.Text, unit.Kind = root.Str, UnitAnswer
		}
		return unit
	}
	if !root.IsObject() {
		return unit
	}
	for _, rule := range answerRules {
		if text, kind, ok := rule.extract(root); ok {
			unit.Text, unit.Kind = text, kind
			return unit
		}
	}
	return unit
}

func stringField(path string) func(gjson.Result) (string, UnitKind, bool) {
	return func(root gjson.Result) (string, UnitKind, bool) {
		v := root.Get(path)
		if v.Type != gjson.String || v.Str == "" {
			return "", UnitUnknown, false
		}
		return v.Str, UnitAnswer, true
	}
}

// anyField accepts strings as-is and emits other non-empty values as JSON text.
func anyField(path string) func(gjson.Result) (string, UnitKind, bool) {
	return func(root gjson.Result) (string, UnitKind, bool) {
		v := root.Get(path)
		switch {
		case !v.Exists(), v.Type == gjson.Null, v.Type == gjson.False:
			return "", UnitUnknown, false
		case v.Type == gjson.String:
			if v.Str == "" {
				return "", UnitUnknown, false
			}
			return v.Str, UnitAnswer, true
		case v.Type == gjson.Number && v.Num == 0:
			return "", UnitUnknown, false
		default:
			return v.Raw, UnitAnswer, true
		}
	}
}

func metadataOnly(root gjson.Result) (string, UnitKind, bool) {
	if !IsMetadataOnly(root) {
		return "", UnitUnknown, false
	}
	return "", UnitMetadata, true
}

// IsMetadataOnly reports whether every key of the object is a correlation id.
func IsMetadataOnly(root gjson.Result) bool {
	if !root.IsObject() {
		return false
	}
	keys := 0
	only := true
	root.ForEach(func(key, _ gjson.Result) bool {
		keys++
		if _, ok := metadataKeys[key.String()]; !ok {
			only = false
			return false
		}
		return true
	})
	return only && keys > 0
}

func lastAssistantMessage(root gjson.Result) (string, UnitKind, bool) {
	msgs := root.Get("messages")
	if !msgs.IsArray() {
		return "", UnitUnknown, false
	}
	contents := msgs.Get(`#(role=="assistant")#.content`).Array()
	if len(contents) == 0 {
		return "", UnitUnknown, true
	}
	last := contents[len(contents)-1].String()
	if last == "" {
		return "", UnitUnknown, true
	}
	return last, UnitAnswer, true
}

func bestEffort(root gjson.Result) (string, UnitKind, bool) {
	s := string(pretty.Ugly([]byte(root.Raw)))
	if len(s) <= minBestEffortLen || strings.Contains(s, "request_id") || strings.Contains(s, "conversation_id") {
		return "", UnitUnknown, false
	}
	return s, UnitAnswer, true
}

package payments

import "testing"

func TestLogicalURL(t *testing.T) {
	got := LogicalURL(KindTool, "srv", "weather", map[string]any{"city": "London"})
	if got != "mcp://srv/tools/weather?city=London" {
		t.Errorf("unexpected url %s", got)
	}

	got = LogicalURL(KindResource, "srv", "doc", nil)
	if got != "mcp://srv/resources/doc" {
		t.Errorf("unexpected url %s", got)
	}

	got = LogicalURL(KindPrompt, "srv", "greet", map[string]any{})
	if got != "mcp://srv/prompts/greet" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestLogicalURLSortsArgs(t *testing.T) {
	first := LogicalURL(KindTool, "srv", "echo", map[string]any{"b": "2", "a": "1", "c": "3"})
	second := LogicalURL(KindTool, "srv", "echo", map[string]any{"c": "3", "a": "1", "b": "2"})
	if first != second {
		t.Errorf("argument order changed the url:\n  %s\n  %s", first, second)
	}
	if first != "mcp://srv/tools/echo?a=1&b=2&c=3" {
		t.Errorf("query not sorted: %s", first)
	}
}

func TestLogicalURLStringifiesValues(t *testing.T) {
	got := LogicalURL(KindTool, "srv", "echo", map[string]any{"n": 7, "ok": true})
	if got != "mcp://srv/tools/echo?n=7&ok=true" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestMetaURL(t *testing.T) {
	if got := MetaURL("srv", "tools/list"); got != "mcp://srv/meta/tools/list" {
		t.Errorf("unexpected url %s", got)
	}
}

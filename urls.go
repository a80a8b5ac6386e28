package payments

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Kind classifies a protected capability.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// LogicalURL derives the stable capability identifier the facilitator
// routes entitlement by: mcp://<server>/<kind>s/<name>?<sorted-args>.
// It is an identifier, not a location. Argument order never changes the
// result; url.Values.Encode sorts by key.
func LogicalURL(kind Kind, serverName, name string, args map[string]any) string {
	base := fmt.Sprintf("mcp://%s/%ss/%s", serverName, kind, name)
	if len(args) == 0 {
		return base
	}

	query := url.Values{}
	for key, value := range args {
		query.Set(key, stringifyArg(value))
	}
	return base + "?" + query.Encode()
}

// MetaURL is the logical URL for meta methods such as tools/list.
func MetaURL(serverName, method string) string {
	return fmt.Sprintf("mcp://%s/meta/%s", serverName, method)
}

func stringifyArg(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

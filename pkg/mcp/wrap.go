package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentBlock is one MCP content item: text or an inline image.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the MCP tools/call result envelope.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

// WrapToolResult converts a raw frontend tool result into CallToolResult.
// The checks run in order: error objects, image data URLs (bare string or
// under a dataUrl key), objects carrying _meta, then plain stringification.
func WrapToolResult(result any) CallToolResult {
	switch v := result.(type) {
	case nil:
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: ""}}}

	case string:
		if block, ok := parseImageDataURL(v); ok {
			return CallToolResult{Content: []ContentBlock{block}}
		}
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: v}}}

	case map[string]any:
		if _, has := v["error"]; has {
			return CallToolResult{
				Content: []ContentBlock{{Type: "text", Text: stringifyObject(v)}},
				IsError: true,
			}
		}
		if dataURL, ok := v["dataUrl"].(string); ok {
			if block, ok := parseImageDataURL(dataURL); ok {
				return CallToolResult{Content: []ContentBlock{block}}
			}
		}
		if meta, ok := v["_meta"].(map[string]any); ok {
			rest := make(map[string]any, len(v)-1)
			for k, val := range v {
				if k != "_meta" {
					rest[k] = val
				}
			}
			return CallToolResult{
				Content: []ContentBlock{{Type: "text", Text: stringifyObject(rest)}},
				Meta:    meta,
			}
		}
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: stringifyObject(v)}}}

	case []any:
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: stringifyObject(v)}}}

	default:
		// Scalars: numbers, booleans.
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("%v", v)}}}
	}
}

// parseImageDataURL splits "data:image/png;base64,iVBOR..." into an image
// block. Anything not matching that shape is reported false and rendered as
// text by the caller.
func parseImageDataURL(s string) (ContentBlock, bool) {
	if !strings.HasPrefix(s, "data:image/") {
		return ContentBlock{}, false
	}
	rest := strings.TrimPrefix(s, "data:")
	semi := strings.Index(rest, ";")
	comma := strings.Index(rest, ",")
	if semi < 0 || comma < 0 || comma < semi {
		return ContentBlock{}, false
	}
	return ContentBlock{
		Type:     "image",
		MimeType: rest[:semi],
		Data:     rest[comma+1:],
	}, true
}

func stringifyObject(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
)

// decodeResult decodes the result of resp into v. A remote error is returned as is, anything else is an assertion failure.
func decodeResult(resp *jsonrpc.Message, v any) error {
	err := resp.DecodeResult(v)
	if err == nil {
		return nil
	}
	var remoteErr *jsonrpc.RemoteError
	if errors.As(err, &remoteErr) {
		return err
	}
	if errors.Is(err, jsonrpc.ErrNullResult) {
		return assertionf("response has no result object")
	}
	return assertionf("unexpected result shape: %s", err)
}

func requireObject(resp *jsonrpc.Message) error {
	if rerr := resp.RemoteErr(); rerr != nil {
		return rerr
	}
	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || raw[0] != '{' {
		return assertionf("response has no result object")
	}
	return nil
}

func checkInitialize(resp *jsonrpc.Message, s *Scenario) (string, error) {
	if err := requireObject(resp); err != nil {
		return "", err
	}
	var res mcp.InitializeResult
	if err := decodeResult(resp, &res); err != nil {
		return "", err
	}
	if res.ProtocolVersion != s.ProtocolVersion {
		return "", assertionf("protocolVersion mismatch: got %q, expected %q", res.ProtocolVersion, s.ProtocolVersion)
	}
	if res.ServerInfo.Name == "" {
		return "", assertionf("serverInfo has no name")
	}
	return fmt.Sprintf("server=%s/%s protocol=%s", res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion), nil
}

func checkTools(resp *jsonrpc.Message, expect []string) (string, error) {
	if err := requireObject(resp); err != nil {
		return "", err
	}
	var res mcp.ListToolsResult
	if err := decodeResult(resp, &res); err != nil {
		return "", err
	}
	if res.Tools == nil {
		return "", assertionf("result.tools is not a list")
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)
	for _, want := range expect {
		if !slices.Contains(names, want) {
			return "", assertionf("expected tool %q not found, available: %s", want, strings.Join(names, ", "))
		}
	}
	return fmt.Sprintf("tools=%d", len(res.Tools)), nil
}

func checkResources(resp *jsonrpc.Message) (string, error) {
	if err := requireObject(resp); err != nil {
		return "", err
	}
	var res mcp.ListResourcesResult
	if err := decodeResult(resp, &res); err != nil {
		return "", err
	}
	if res.Resources == nil {
		return "", assertionf("result.resources is not a list")
	}
	return fmt.Sprintf("resources=%d", len(res.Resources)), nil
}

type toolCallResult struct {
	StructuredContent json.RawMessage `json:"structuredContent"`
	Content           json.RawMessage `json:"content"`
	IsError           bool            `json:"isError"`
}

// ToolPayload extracts the object a tool call returned.
// It prefers structuredContent, then the first content item whose text is a JSON object,
// then a json, structured or data member of a content item. An empty content list yields an empty object.
func ToolPayload(resp *jsonrpc.Message) (map[string]any, error) {
	if err := requireObject(resp); err != nil {
		return nil, err
	}
	var res toolCallResult
	if err := decodeResult(resp, &res); err != nil {
		return nil, err
	}
	if obj, ok := asObject(res.StructuredContent); ok {
		return obj, nil
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(res.Content, &items); err != nil || len(items) == 0 {
		return map[string]any{}, nil
	}
	if res.IsError {
		var text string
		_ = json.Unmarshal(items[0]["text"], &text)
		return nil, assertionf("tool reported an error: %s", text)
	}
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item["text"], &text); err == nil && strings.TrimSpace(text) != "" {
			if obj, ok := asObject(json.RawMessage(text)); ok {
				return obj, nil
			}
		}
		for _, key := range []string{"json", "structured", "data"} {
			if obj, ok := asObject(item[key]); ok {
				return obj, nil
			}
		}
	}
	return nil, assertionf("unsupported tool payload shape: %s", resp.Result)
}

func asObject(raw json.RawMessage) (map[string]any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

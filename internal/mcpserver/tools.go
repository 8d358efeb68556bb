// Package mcpserver registers MCP tools that expose sync diagnostics.
// It adapts the engine and store to the MCP SDK's tool handler
// interface so an agent can inspect and drive synchronization.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bilmapp/bilm-sync/internal/inspect"
	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

// syncEngine is the engine surface the tools need.
type syncEngine interface {
	SyncFromCloudNow(ctx context.Context) (bool, error)
	SaveCloudSnapshot(ctx context.Context, snap *snapshot.Snapshot) error
	GetCloudSnapshot(ctx context.Context) (*snapshot.Snapshot, error)
}

// RegisterTools adds all sync diagnostics tools to the given MCP server.
func RegisterTools(server *mcp.Server, eng syncEngine, store *storage.Store, rules snapshot.Rules) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report sync state: enabled flag, device id, and the timestamps of the last local change, push, and pull. Use this first to understand what the daemon has been doing.",
	}, statusHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Pull the remote snapshot and reconcile it with local state. Returns whether the remote was applied directly or local changes forced a merge-back.",
	}, syncNowHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "save_now",
		Description: "Merge local state with the remote snapshot and upload the result immediately, bypassing the debounce.",
	}, saveNowHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_list",
		Description: "Read a mergeable list (favorites, watch later, continue watching, history) from local state as decoded items.",
	}, getListHandler(store, rules))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_diff",
		Description: "Compare the current local snapshot with the remote one and render what differs. Empty output means the device is fully in sync.",
	}, diffHandler(eng, store, rules))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// SaveNowInput has no parameters.
type SaveNowInput struct{}

// GetListInput holds parameters for get_list.
type GetListInput struct {
	Key string `json:"key" jsonschema:"required,list storage key, e.g. bilm-favorites"`
}

// DiffInput has no parameters.
type DiffInput struct{}

// --- Output types ---

// StatusResult reports the daemon's sync state.
type StatusResult struct {
	SyncEnabled             bool   `json:"syncEnabled"`
	DeviceID                string `json:"deviceId"`
	LastLocalChangeAt       int64  `json:"lastLocalChangeAt"`
	LastCloudPushAt         int64  `json:"lastCloudPushAt"`
	LastCloudPullAt         int64  `json:"lastCloudPullAt"`
	LastPushReason          string `json:"lastPushReason,omitempty"`
	LastAppliedFromDeviceID string `json:"lastAppliedFromDeviceId,omitempty"`
}

// SyncNowResult reports the outcome of a pull.
type SyncNowResult struct {
	Applied bool `json:"applied"`
}

// SaveNowResult reports the outcome of a push.
type SaveNowResult struct {
	Saved bool `json:"saved"`
}

// GetListResult holds a decoded mergeable list.
type GetListResult struct {
	Key   string           `json:"key"`
	Count int              `json:"count"`
	Items []map[string]any `json:"items"`
}

// DiffResult holds the rendered local/remote comparison.
type DiffResult struct {
	InSync bool   `json:"inSync"`
	Diff   string `json:"diff,omitempty"`
}

// --- Handlers ---

func statusHandler(store *storage.Store) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		deviceID, err := store.DeviceID()
		if err != nil {
			return nil, nil, fmt.Errorf("reading device id: %w", err)
		}

		meta := store.SyncMeta()
		result := &StatusResult{
			SyncEnabled:             store.SyncEnabled(),
			DeviceID:                deviceID,
			LastLocalChangeAt:       meta.LastLocalChangeAt,
			LastCloudPushAt:         meta.LastCloudPushAt,
			LastCloudPullAt:         meta.LastCloudPullAt,
			LastPushReason:          meta.LastPushReason,
			LastAppliedFromDeviceID: meta.LastAppliedFromDeviceID,
		}

		return textResult(result), result, nil
	}
}

func syncNowHandler(eng syncEngine) mcp.ToolHandlerFor[SyncNowInput, *SyncNowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		applied, err := eng.SyncFromCloudNow(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &SyncNowResult{Applied: applied}

		return textResult(result), result, nil
	}
}

func saveNowHandler(eng syncEngine) mcp.ToolHandlerFor[SaveNowInput, *SaveNowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SaveNowInput) (*mcp.CallToolResult, *SaveNowResult, error) {
		if err := eng.SaveCloudSnapshot(ctx, nil); err != nil {
			return nil, nil, err
		}

		result := &SaveNowResult{Saved: true}

		return textResult(result), result, nil
	}
}

func getListHandler(store *storage.Store, rules snapshot.Rules) mcp.ToolHandlerFor[GetListInput, *GetListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input GetListInput) (*mcp.CallToolResult, *GetListResult, error) {
		if !rules.IsListKey(input.Key) {
			return nil, nil, fmt.Errorf("%q is not a mergeable list key", input.Key)
		}

		value, _ := store.Get(storage.Local, input.Key)
		items := snapshot.DecodeItems(value)

		result := &GetListResult{Key: input.Key, Count: len(items)}
		for _, it := range items {
			var obj map[string]any
			if err := json.Unmarshal(it.Raw, &obj); err != nil {
				return nil, nil, fmt.Errorf("decoding item in %q: %w", input.Key, err)
			}
			result.Items = append(result.Items, obj)
		}

		return textResult(result), result, nil
	}
}

func diffHandler(eng syncEngine, store *storage.Store, rules snapshot.Rules) mcp.ToolHandlerFor[DiffInput, *DiffResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ DiffInput) (*mcp.CallToolResult, *DiffResult, error) {
		remote, err := eng.GetCloudSnapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		local, err := snapshot.NewBuilder(store).Build()
		if err != nil {
			return nil, nil, fmt.Errorf("building local snapshot: %w", err)
		}

		diff := inspect.Diff(local, remote, rules)
		result := &DiffResult{InSync: diff == "", Diff: diff}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

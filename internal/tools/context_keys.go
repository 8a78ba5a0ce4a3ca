package tools

import "context"

// Tool execution context keys. Per-request values (where the triggering
// message came from, which session owns the run) travel in the context so
// tool instances stay immutable and safe for parallel execution. The
// registry injects them in ExecuteWithContext; tools read them as needed.

type toolContextKey string

const (
	ctxChannel    toolContextKey = "tool_channel"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxPeerKind   toolContextKey = "tool_peer_kind"
	ctxSessionKey toolContextKey = "tool_session_key"
	ctxWorkspace  toolContextKey = "tool_workspace"
	ctxAsyncCB    toolContextKey = "tool_async_cb"
	ctxOwner      toolContextKey = "tool_sender_is_owner"
)

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

func ToolPeerKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPeerKind).(string)
	return v
}

func WithToolSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func ToolSessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

// WithToolWorkspace overrides the workspace directory filesystem tools
// resolve relative paths against.
func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

func WithToolAsyncCB(ctx context.Context, cb AsyncCallback) context.Context {
	return context.WithValue(ctx, ctxAsyncCB, cb)
}

func ToolAsyncCBFromCtx(ctx context.Context) AsyncCallback {
	v, _ := ctx.Value(ctxAsyncCB).(AsyncCallback)
	return v
}

// WithToolSenderIsOwner marks the triggering sender as an instance owner.
// Owner-only tools check this before executing.
func WithToolSenderIsOwner(ctx context.Context, owner bool) context.Context {
	return context.WithValue(ctx, ctxOwner, owner)
}

func ToolSenderIsOwnerFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxOwner).(bool)
	return v
}

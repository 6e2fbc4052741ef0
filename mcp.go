package mcp

import (
	"context"
	"iter"
)

// ServerTransport is the server-side half of an MCP wire transport: it hands the engine new
// client sessions as they connect and is responsible for tearing everything down on Shutdown.
type ServerTransport interface {
	// Sessions yields one Session per inbound client connection, in connection order. Session
	// IDs must be unique for as long as the transport is running. The iterator should stop
	// producing once Shutdown has been called.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport's resources. It must not itself close the Sessions it
	// produced — the engine already does that before calling Shutdown — and the engine
	// guarantees it is called at most once.
	Shutdown(ctx context.Context) error
}

// ClientTransport is the client-side half of an MCP wire transport: given a context, it
// establishes one Session with the server.
type ClientTransport interface {
	// StartSession dials the server and returns a Session once the transport is ready to
	// exchange messages. The returned error distinguishes connection and protocol failures;
	// ctx governs the dial itself, not the lifetime of the resulting Session.
	StartSession(ctx context.Context) (Session, error)
}

// Session is one bidirectional connection between a client and a server, independent of the
// wire format underneath it.
type Session interface {
	// ID identifies this session uniquely among every session the owning transport manages.
	ID() string

	// Send writes one message to the peer, blocking until ctx is done or the write completes.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages yields every message received from the peer in arrival order. The iterator
	// ends once the session is closed, either locally or by the peer.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop tears down the session. Callers of a Session implementation should not invoke
	// this directly; the server engine calls it exactly once per session as part of its own
	// teardown. Client does not call it.
	Stop()
}

// Server-side capability interfaces.
//
// A concrete MCP server implements whichever of these interfaces match the capabilities it
// wants to expose; each is registered through its own With... ServerOption, and the engine
// advertises the corresponding capability flags during initialize.

// PromptServer backs the prompts/* methods: listing available prompts, resolving one with
// arguments, and completing partial argument values.
type PromptServer interface {
	// ListPrompts returns a page of available prompts. Progress on long listings can be
	// reported through the given ProgressReporter; RequestClientFunc lets the implementation
	// issue requests back to the client while it works.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter, RequestClientFunc) (ListPromptResult, error)

	// GetPrompt resolves a named prompt template against the supplied arguments, returning
	// an error if the prompt is unknown or the arguments don't satisfy it.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter, RequestClientFunc) (GetPromptResult, error)

	// CompletesPrompt suggests completions for a partially-typed prompt argument, for
	// clients implementing interactive argument entry.
	CompletesPrompt(context.Context, CompletesCompletionParams, RequestClientFunc) (CompletionResult, error)
}

// PromptListUpdater lets a PromptServer push "notifications/prompts/list_changed" to every
// connected client whenever the set of available prompts changes; a struct{} on the iterator
// only signals that a change happened, it carries no payload.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// ResourceServer backs the resources/* methods: listing and reading resources, enumerating
// resource templates, and completing template arguments.
type ResourceServer interface {
	// ListResources returns a page of available resources.
	ListResources(context.Context, ListResourcesParams, ProgressReporter, RequestClientFunc) (
		ListResourcesResult, error)

	// ReadResource fetches the contents addressed by a resource URI.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter, RequestClientFunc) (
		ReadResourceResult, error)

	// ListResourceTemplates returns the resource templates the server knows how to expand.
	ListResourceTemplates(context.Context, ListResourceTemplatesParams, ProgressReporter, RequestClientFunc) (
		ListResourceTemplatesResult, error)

	// CompletesResourceTemplate suggests completions for a resource template argument.
	CompletesResourceTemplate(context.Context, CompletesCompletionParams, RequestClientFunc) (CompletionResult, error)
}

// ResourceListUpdater lets a ResourceServer announce that its resource list has changed, so
// clients know to call ListResources again rather than trust a stale cache.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ResourceSubscriptionHandler backs per-resource subscriptions: clients opt in and out of
// change notifications for a given URI, and the server streams updates for the URIs currently
// subscribed.
type ResourceSubscriptionHandler interface {
	SubscribeResource(SubscribeResourceParams)
	UnsubscribeResource(UnsubscribeResourceParams)
	// SubscribedResourceUpdates yields the URI of each subscribed resource as it changes.
	SubscribedResourceUpdates() iter.Seq[string]
}

// ToolServer backs the tools/* methods: enumerating callable tools and invoking one.
type ToolServer interface {
	// ListTools returns a page of tools the server can execute.
	ListTools(context.Context, ListToolsParams, ProgressReporter, RequestClientFunc) (ListToolsResult, error)

	// CallTool executes a named tool with the given arguments. A returned error that is not
	// a protocol-level JSONRPCError is reported to the caller as a successful result whose
	// IsError flag is set, per the MCP call/run distinction; only protocol failures (unknown
	// tool, malformed request) should surface as a JSONRPCError.
	CallTool(context.Context, CallToolParams, ProgressReporter, RequestClientFunc) (CallToolResult, error)
}

// ToolListUpdater lets a ToolServer announce that its tool list has changed.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// LogHandler streams structured log records from server to client and lets the client adjust
// the minimum severity it wants to receive.
type LogHandler interface {
	// LogStreams yields log records as they're produced.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel raises or lowers the minimum severity passed through LogStreams.
	SetLogLevel(level LogLevel)
}

// RootsListWatcher lets a server react when the client reports that its root list changed.
type RootsListWatcher interface {
	OnRootsListChanged()
}

// Client-side capability interfaces.
//
// These mirror the server-side ones above but run on the client: a server can call back into
// the client for roots, sampling, and can push notifications the client chooses to watch for.

// RootsListHandler answers the server's request for the client's current set of root
// resources — the entry points into whatever resource hierarchy the client exposes.
type RootsListHandler interface {
	RootsList(ctx context.Context) (RootList, error)
}

// RootsListUpdater notifies the server whenever the client's root list changes.
type RootsListUpdater interface {
	RootsListUpdates() iter.Seq[struct{}]
}

// SamplingHandler lets a client service a server-initiated sampling request: given
// conversation history and generation preferences, produce a model response.
type SamplingHandler interface {
	// CreateSampleMessage generates a response constrained by params. Implementations
	// should respect MaxTokens and surface model selection or generation failures as an
	// error rather than a truncated result.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// PromptListWatcher is notified when the connected server's prompt list changes.
type PromptListWatcher interface {
	OnPromptListChanged()
}

// ResourceListWatcher is notified when the connected server's resource list changes.
type ResourceListWatcher interface {
	OnResourceListChanged()
}

// ResourceSubscribedWatcher is notified when a resource the client subscribed to changes.
type ResourceSubscribedWatcher interface {
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher is notified when the connected server's tool list changes.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener receives progress updates for an operation the client kicked off.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log records streamed from the server.
type LogReceiver interface {
	OnLog(params LogParams)
}

// SamplingParams is the input to SamplingHandler.CreateSampleMessage: the conversation so
// far, model selection preferences, an optional system prompt, and a hard token ceiling.
type SamplingParams struct {
	Messages         []SamplingMessage        `json:"messages"`
	ModelPreferences SamplingModelPreferences `json:"modelPreferences"`
	SystemPrompts    string                   `json:"systemPrompts"`
	MaxTokens        int                      `json:"maxTokens"`
}

// SamplingMessage is one turn in a sampling conversation: who said it and what it contained.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent is either text or typed binary data; Text applies when Type indicates a
// text message, Data/MimeType apply otherwise.
type SamplingContent struct {
	Type ContentType `json:"type"`

	Text string `json:"text"`

	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// SamplingModelPreferences steers model selection via named hints and relative weights on
// cost, speed, and output quality; higher priority values matter more to the caller.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints"`
	CostPriority         int `json:"costPriority"`
	SpeedPriority        int `json:"speedPriority"`
	IntelligencePriority int `json:"intelligencePriority"`
}

// SamplingResult is what a SamplingHandler produces: the generated message, which model
// produced it, and why generation stopped.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason"`
}

// ProgressReporter reports incremental progress for a long-running operation. When Total is
// non-zero the caller can compute the completed fraction as Progress/Total (a percentage
// as (Progress/Total)*100).
type ProgressReporter func(progress ProgressParams)

// RequestClientFunc sends a JSON-RPC request to the peer and blocks for its response. Server
// implementations use it to call back into the client mid-handler — for example, to request
// roots or a sampled message before finishing a tool call. Implementations must follow
// JSON-RPC 2.0 error semantics for the response they return.
type RequestClientFunc func(msg JSONRPCMessage) (JSONRPCMessage, error)

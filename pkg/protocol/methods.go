package protocol

// RPC method name constants for the gateway WebSocket control plane.

// System methods.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Provider management.
const (
	MethodProvidersList     = "providers.list"
	MethodProvidersGet      = "providers.get"
	MethodProvidersRegister = "providers.register"
	MethodProvidersRemove   = "providers.remove"
	MethodProvidersVerify   = "providers.verify"
	MethodProvidersHealth   = "providers.health"
	MethodRoutingGet        = "routing.get"
	MethodRoutingUpdate     = "routing.update"
	MethodFallbackUpdate    = "routing.fallback.update"
)

// Task inspection.
const (
	MethodTasksList   = "tasks.list"
	MethodTasksGet    = "tasks.get"
	MethodTasksCancel = "tasks.cancel"
	MethodTasksWait   = "tasks.wait"
)

// Discovery control.
const (
	MethodDiscoveryRun    = "discovery.run"
	MethodDiscoveryCheck  = "discovery.check"
	MethodDiscoveryStatus = "discovery.status"
)

// Session inspection.
const (
	MethodSessionsList   = "sessions.list"
	MethodSessionsDelete = "sessions.delete"
	MethodSessionsReset  = "sessions.reset"
)

// Log access.
const MethodLogsTail = "logs.tail"

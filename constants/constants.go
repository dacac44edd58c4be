// Package constants centralizes string/numeric literals shared across
// beemflow packages so adapter names, config keys, and wire values stay in
// sync instead of drifting between copies.
package constants

// ============================================================================
// CONFIGURATION
// ============================================================================

const (
	ConfigFileName     = "flow.config.json"
	BeemflowSchemaFile = "beemflow.schema.json"
	RegistryIndexFile  = "registry/index.json"
)

const (
	MCPServersKey = "mcp_servers"
	ToolsKey      = "tools"
	SmitheryKey   = "smithery"
)

const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

const (
	BlobDriverFilesystem = "filesystem"
	BlobDriverS3         = "s3"
)

const (
	EnvDebug        = "BEEMFLOW_DEBUG"
	EnvSmitheryKey  = "SMITHERY_API_KEY"
	EnvRegistryPath = "BEEMFLOW_REGISTRY"
	EnvVarPrefix    = "$env"
)

// ============================================================================
// ADAPTERS & TOOLS
// ============================================================================

const (
	AdapterCore = "core"
	AdapterMCP  = "mcp"
	AdapterHTTP = "http"
)

const (
	LocalRegistryType = "local"
	RegistrySmithery  = "smithery"
	RegistryDefault   = "default"
)

const (
	AdapterPrefixMCP  = "mcp://"
	AdapterPrefixCore = "core."
)

const (
	ParamSpecialUse = "__use"
)

// Core Tools - the three built-in tools requiring no registry entry.
const (
	CoreEcho = "core.echo"
	CoreWait = "core.wait"
	CoreLog  = "core.log"
)

const (
	MCPServerKind = "mcp_server"
	ToolType      = "tool"
)

// ============================================================================
// CLI COMMANDS & DESCRIPTIONS
// ============================================================================

const (
	CmdRun      = "run"
	CmdServe    = "serve"
	CmdMCP      = "mcp"
	CmdTool     = "tool"
	CmdList     = "list"
	CmdSearch   = "search"
	CmdInstall  = "install"
	CmdGet      = "get"
	CmdValidate = "validate"
	CmdGraph    = "graph"
	CmdFlows    = "flows"
	CmdSave     = "save"
	CmdRuns     = "runs"
	CmdStart    = "start"
)

const (
	DescRunFlow       = "Run a flow from a YAML file"
	DescMCPCommands   = "MCP server management commands"
	DescToolingCommands = "Tool manifest management commands"
	DescSearchServers = "Search for MCP servers in the registry"
	DescInstallServer = "Install an MCP server from the registry"
	DescListServers   = "List installed MCP servers"
	DescListTools     = "List installed tool manifests"
	DescMCPServe      = "Serve BeemFlow as an MCP server (HTTP or stdio)"
	DescValidateFlow  = "Validate a flow definition"
	DescGraphFlow     = "Render a flow's dependency graph"
	DescFlowsCommands = "Flow document management commands"
	DescFlowsSave     = "Parse, validate, and store a flow document"
	DescRunsCommands  = "Run management commands"
	DescRunsStart     = "Begin a run of a stored flow"
)

const (
	StubFlowTool = "flow tool (stub)"
	StubFlowRun  = "flow run (stub)"
)

const (
	MsgFlowExecuted    = "Flow executed successfully."
	MsgStepOutputs     = "Step outputs:\n%s\n"
	MsgServerInstalled = "Installed MCP server %s to %s (mcpServers)"
)

const (
	HeaderServers = "NAME\tDESCRIPTION\tENDPOINT"
	HeaderMCPList = "REGISTRY\tNAME\tDESCRIPTION\tKIND\tENDPOINT"
	HeaderTools   = "NAME\tKIND\tDESCRIPTION\tENDPOINT"
)

const (
	DefaultMCPPageSize  = 50
	DefaultToolPageSize = 100
	DefaultMCPAddr      = ":9090"
	FilePermission      = 0644
	DirPermission       = 0755
)

const (
	JSONIndent         = "  "
	OutputFormatThree  = "%s\t%s\t%s"
	OutputFormatFour   = "%s\t%s\t%s\t%s"
	OutputFormatFive   = "%s\t%s\t%s\t%s\t%s"
)

const (
	ErrEnvVarRequired      = "environment variable %s must be set"
	ErrConfigParseFailed   = "failed to parse %s: %w"
	ErrConfigWriteFailed   = "failed to write %s: %w"
	ErrStorageUnsupported  = "unsupported storage driver: %s"
	ErrStorageCreateFailed = "failed to create storage: %v"
	ErrFlowExecutionFailed = "flow execution error: %v"
)

// ============================================================================
// HTTP & API
// ============================================================================

const (
	HTTPMethodGET    = "GET"
	HTTPMethodPOST   = "POST"
	HTTPMethodPUT    = "PUT"
	HTTPMethodPATCH  = "PATCH"
	HTTPMethodDELETE = "DELETE"
)

const (
	HTTPPathRoot       = "/"
	HTTPPathHealth     = "/health"
	HTTPPathFlows      = "/flows"
	HTTPPathValidate   = "/validate"
	HTTPPathGraph      = "/graph"
	HTTPPathRuns       = "/runs"
	HTTPPathRunsByID   = "/runs/{id}"
	HTTPPathRunsResume = "/runs/{id}/resume"
	HTTPPathEvents     = "/events"
	HTTPPathTools      = "/tools"
)

const (
	ContentTypeJSON           = "application/json"
	ContentTypeForm           = "application/x-www-form-urlencoded"
	ContentTypeText           = "text/plain"
	ContentTypeTextMarkdown   = "text/markdown"
	ContentTypeTextVndMermaid = "text/vnd.mermaid"
)

const (
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	HeaderAccept        = "Accept"
)

const (
	DefaultAPIName    = "api"
	DefaultBaseURL    = "https://api.example.com"
	DefaultJSONAccept = "application/json, text/*;q=0.9, */*;q=0.8"
)

const (
	HealthCheckResponse = "OK"
)

// ============================================================================
// RUN & STEP STATES
// ============================================================================

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	RunIDKey   = "run_id"
	SecretsKey = "secrets"
)

// ============================================================================
// EVENT BUS & SUSPENSION
// ============================================================================

const (
	EventTopicResumePrefix = "resume."
	MatchKeyToken          = "token"
)

const (
	ErrAwaitEventPause         = "await_event pause"
	ErrAwaitEventMissingToken  = "await_event step missing or invalid token in match"
	ErrStepWaitingForEvent     = "step %s is waiting for event"
	ErrFailedToRenderToken     = "failed to render token template: %w"
	ErrFailedToDeletePausedRun = "failed to delete paused run during resume: %v"
	ErrFailedToPersistStep     = "failed to persist step result: %v"
	ErrSaveRunFailed           = "failed to save run: %v"
)

// ============================================================================
// TEMPLATE CONTEXT FIELDS
// ============================================================================

const (
	TemplateFieldEvent   = "event"
	TemplateFieldVars    = "vars"
	TemplateFieldOutputs = "outputs"
	TemplateFieldSecrets = "secrets"
	TemplateFieldSteps   = "steps"
)

// ============================================================================
// OUTPUT FORMATTING
// ============================================================================

const (
	OutputKeyText    = "text"
	OutputKeyChoices = "choices"
	OutputKeyMessage = "message"
	OutputKeyContent = "content"
	OutputKeyBody    = "body"
)

const (
	OutputPreviewLimit     = 200
	OutputJSONSizeLimit    = 1000
	OutputTruncationSuffix = "..."
	OutputTooLargeMessage  = "[output too large to display]"
)

// ============================================================================
// MISC
// ============================================================================

const (
	FlowFileExtension = ".flow.yaml"
)

// Common empty value to avoid re-allocating a fresh literal at every call site.
var EmptyStringMap = map[string]any{}

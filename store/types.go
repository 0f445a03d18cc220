// Package store defines the relational persistence contract for the
// Agentic Chat Core: files, file versions, chat messages, and agent
// sessions.
package store

import "encoding/json"

// FileType enumerates the kinds of resource a File can represent.
type FileType string

const (
	FileTypeFolder     FileType = "folder"
	FileTypeDocument   FileType = "document"
	FileTypeChat       FileType = "chat"
	FileTypePlan       FileType = "plan"
	FileTypeMemory     FileType = "memory"
	FileTypeCanvas     FileType = "canvas"
	FileTypeWhiteboard FileType = "whiteboard"
	FileTypeAgent      FileType = "agent"
	FileTypeSkill      FileType = "skill"
)

// FileStatus is the processing status of a File.
type FileStatus string

const (
	FileStatusReady      FileStatus = "ready"
	FileStatusProcessing FileStatus = "processing"
	FileStatusError      FileStatus = "error"
)

// File is the identity of a named resource in a workspace.
type File struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	ParentID        *string    `json:"parent_id,omitempty"`
	Name            string     `json:"name"`
	Slug            string     `json:"slug"`
	Path            string     `json:"path"`
	FileType        FileType   `json:"file_type"`
	Status          FileStatus `json:"status"`
	IsVirtual       bool       `json:"is_virtual"`
	IsRemote        bool       `json:"is_remote"`
	Permission      int        `json:"permission"`
	LatestVersionID *string    `json:"latest_version_id,omitempty"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

// FileVersion is an immutable snapshot of a file's content.
type FileVersion struct {
	ID          string          `json:"id"`
	FileID      string          `json:"file_id"`
	WorkspaceID string          `json:"workspace_id"`
	Branch      string          `json:"branch"`
	ContentRaw  json.RawMessage `json:"content_raw"`
	AppData     json.RawMessage `json:"app_data,omitempty"`
	Hash        string          `json:"hash"`
	AuthorID    *string         `json:"author_id,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// MessageRole is the speaker of a ChatMessage.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// MessageType classifies the content of a ChatMessage's metadata.
type MessageType string

const (
	MessageTypeMessage          MessageType = "message"
	MessageTypeReasoningChunk   MessageType = "reasoning_chunk"
	MessageTypeReasoningComplete MessageType = "reasoning_complete"
	MessageTypeToolCall         MessageType = "tool_call"
	MessageTypeToolResult       MessageType = "tool_result"
	MessageTypeError            MessageType = "error"
)

// MessageMetadata carries the sub-fields spec.md §3 requires on a ChatMessage.
type MessageMetadata struct {
	MessageType   MessageType `json:"message_type"`
	ReasoningID   string      `json:"reasoning_id,omitempty"`
	ToolName      string      `json:"tool_name,omitempty"`
	ToolArguments json.RawMessage `json:"tool_arguments,omitempty"`
	ToolOutput    string      `json:"tool_output,omitempty"`
	ToolSuccess   *bool       `json:"tool_success,omitempty"`
	Attachments   []string    `json:"attachments,omitempty"`
	Cancelled     bool        `json:"cancelled,omitempty"`
}

// ChatMessage is one append-only event in a conversation.
type ChatMessage struct {
	ID          string          `json:"id"`
	FileID      string          `json:"file_id"`
	WorkspaceID string          `json:"workspace_id"`
	Role        MessageRole     `json:"role"`
	Content     string          `json:"content"`
	Metadata    MessageMetadata `json:"metadata"`
	CreatedAt   int64           `json:"created_at"`
}

// AgentType enumerates the kind of assistant behind a session.
type AgentType string

const (
	AgentTypeAssistant AgentType = "assistant"
	AgentTypePlanner   AgentType = "planner"
	AgentTypeBuilder   AgentType = "builder"
)

// SessionStatus mirrors actor.State; duplicated here (not imported) so
// that store has no dependency on the actor package.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusError     SessionStatus = "error"
	StatusCancelled SessionStatus = "cancelled"
	StatusCompleted SessionStatus = "completed"
)

// AgentMode gates which tools the Tool Set permits.
type AgentMode string

const (
	ModeChat  AgentMode = "chat"
	ModePlan  AgentMode = "plan"
	ModeBuild AgentMode = "build"
)

// AgentSession is the persisted liveness record of a ChatActor.
type AgentSession struct {
	ID           string        `json:"id"`
	WorkspaceID  string        `json:"workspace_id"`
	ChatID       string        `json:"chat_id"`
	UserID       string        `json:"user_id"`
	AgentType    AgentType     `json:"agent_type"`
	Status       SessionStatus `json:"status"`
	Model        string        `json:"model"`
	Mode         AgentMode     `json:"mode"`
	CurrentTask  *string       `json:"current_task,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	CompletedAt  *int64        `json:"completed_at,omitempty"`
	CreatedAt    int64         `json:"created_at"`
	UpdatedAt    int64         `json:"updated_at"`
}

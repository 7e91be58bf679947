package tools

// BuiltinServer is the catalog server name of the chat backend's own tools.
const BuiltinServer = "builtin"

// ============================================================
// Descriptor builder
// ============================================================

// Builder builds a Descriptor with a JSON Schema object for its parameters.
type Builder struct {
	d Descriptor
}

// NewBuilder starts a descriptor.
func NewBuilder(name, description string) *Builder {
	return &Builder{d: Descriptor{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": make(map[string]any),
			"required":   make([]string, 0),
		},
	}}
}

// Param adds a parameter.
func (b *Builder) Param(name, paramType, description string, required bool) *Builder {
	return b.EnumParam(name, paramType, description, nil, required)
}

// EnumParam adds a parameter restricted to enum.
func (b *Builder) EnumParam(name, paramType, description string, enum []string, required bool) *Builder {
	def := map[string]any{
		"type":        paramType,
		"description": description,
	}
	if len(enum) > 0 {
		def["enum"] = enum
	}
	b.d.Parameters["properties"].(map[string]any)[name] = def
	if required {
		b.d.Parameters["required"] = append(b.d.Parameters["required"].([]string), name)
	}
	return b
}

// AdminOnly restricts the tool to admins.
func (b *Builder) AdminOnly() *Builder {
	b.d.AdminOnly = true
	return b
}

// Build returns the descriptor.
func (b *Builder) Build() Descriptor {
	return b.d
}

// ============================================================
// Built-in tools
// ============================================================

// Builtins returns the tools the chat backend executes itself.
func Builtins() []Descriptor {
	return []Descriptor{
		NewBuilder("web_search", "Search the web for current information and news").
			Param("query", "string", "Search query", true).
			Param("max_results", "integer", "Maximum number of results (default 5)", false).
			Build(),
		NewBuilder("fetch_url", "Fetch the content of a web page by URL").
			Param("url", "string", "URL to fetch", true).
			EnumParam("format", "string", "Output format", []string{"text", "markdown", "html"}, false).
			Build(),
		NewBuilder("summarize_text", "Summarize a long piece of text or document").
			Param("text", "string", "Text to summarize", true).
			EnumParam("length", "string", "Summary length", []string{"short", "medium", "long"}, false).
			Build(),

		NewBuilder("file_read", "Read the contents of an uploaded file").
			Param("file_id", "string", "Id of the uploaded file", true).
			Param("offset", "integer", "Starting line number (0-based)", false).
			Param("limit", "integer", "Maximum number of lines to read", false).
			Build(),
		NewBuilder("file_search", "Search uploaded files for matching text").
			Param("pattern", "string", "Text pattern to search for", true).
			Build(),
		NewBuilder("file_delete", "Delete an uploaded file permanently").
			Param("file_id", "string", "Id of the file to delete", true).
			AdminOnly().
			Build(),

		NewBuilder("task_create", "Create a new task or reminder").
			Param("title", "string", "Task title", true).
			Param("due", "string", "Due date in RFC 3339", false).
			EnumParam("priority", "string", "Task priority", []string{"low", "medium", "high"}, false).
			Build(),
		NewBuilder("task_list", "List open tasks and reminders").
			EnumParam("status", "string", "Filter by status", []string{"open", "done", "all"}, false).
			Build(),
		NewBuilder("task_complete", "Mark a task as completed").
			Param("task_id", "string", "Task id", true).
			Build(),

		NewBuilder("run_code", "Execute a short Python snippet in a sandbox and return its output").
			Param("code", "string", "Python source", true).
			Param("timeout_seconds", "integer", "Execution limit", false).
			AdminOnly().
			Build(),
	}
}

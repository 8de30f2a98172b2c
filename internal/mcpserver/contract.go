package mcpserver

// NoteModelContract describes the note model that LLM consumers should
// follow when creating tasks or reading the graph.
const NoteModelContract = `# notegraph Note Model

Everything in notegraph is a note. A note's ` + "`" + `type` + "`" + ` decides what the engine does with it.

## Types

- **Task**: schedulable work. Starts ` + "`" + `pending` + "`" + `, moves to ` + "`" + `active` + "`" + ` when the
  scheduler picks it, then ` + "`" + `completed` + "`" + ` (with ` + "`" + `output` + "`" + `) or ` + "`" + `failed` + "`" + `
  (with ` + "`" + `lastError` + "`" + `).
- **Tool**: an invocable capability. A Tool note only runs once a definition is bound
  to its id (function, HTTP endpoint, model chain or the sandbox file tool).
- **Template**: plain content other notes can reference.

## Fields

` + "```" + `json
{
  "id": "01J...",             // assigned when empty (ULID by default)
  "type": "Task",             // REQUIRED: Task | Tool | Template
  "title": "Summarize report",
  "content": "text passed to the tool as {\"input\": content}",
  "status": "pending",        // pending | active | completed | failed
  "priority": 10,             // higher runs first; ties run oldest first
  "references": ["llm-tool"], // ids of other notes; may dangle
  "toolId": "llm-tool",       // OPTIONAL explicit tool for a Task
  "config": {"input": {}},    // Task: explicit tool input; Tool: method, headers
  "logic": "https://...",     // HTTP tools: target URL
  "requiresWebSearch": false  // Tool: run through the search-augmented path
}
` + "```" + `

## Rules

1. A Task runs with ` + "`" + `toolId` + "`" + ` when set, otherwise with the first referenced Tool note.
   A Task with neither completes without output.
2. Only ` + "`" + `completed` + "`" + ` and ` + "`" + `failed` + "`" + ` tasks can be requeued.
3. Raising ` + "`" + `priority` + "`" + ` on an active task does not preempt it.
4. Deleting a note leaves references to it in place.

## Built-in tools

- ` + "`" + `file-tool` + "`" + `: ` + "`" + `{"action": "read|write|createDirectory|deleteFile", "filename": "...", "content": "..."}` + "`" + `.
  Files stay inside the sandbox directory; read and write accept .txt, .md, .json and .js only.
- ` + "`" + `llm-tool` + "`" + `: present when a language model is configured; input is the prompt text.
- ` + "`" + `web-search` + "`" + `: present when a search endpoint is configured; input is ` + "`" + `{"query": "..."}` + "`" + `.
`

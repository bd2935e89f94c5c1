package engine

import "strings"

// CommandClass buckets a shell command by what it does to the workspace.
type CommandClass string

const (
	CommandRead   CommandClass = "read"
	CommandSearch CommandClass = "search"
	CommandEdit   CommandClass = "edit"
	CommandFetch  CommandClass = "fetch"
	CommandOther  CommandClass = "other"
)

var readCommands = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"bat": true, "ls": true, "stat": true, "file": true, "wc": true,
	"pwd": true, "tree": true,
}

var searchCommands = map[string]bool{
	"grep": true, "rg": true, "ag": true, "ack": true,
	"find": true, "fd": true, "locate": true,
}

var editCommands = map[string]bool{
	"sed": true, "touch": true, "mv": true, "cp": true, "rm": true,
	"mkdir": true, "rmdir": true, "chmod": true, "chown": true,
	"tee": true, "patch": true, "ln": true, "truncate": true,
}

var fetchCommands = map[string]bool{
	"curl": true, "wget": true, "http": true, "https": true,
}

// ClassifyCommand maps a shell command string to a CommandClass by its first
// whitespace-delimited token. Output redirection anywhere in the command
// overrides the class to edit.
func ClassifyCommand(command string) CommandClass {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandOther
	}

	// Redirection writes to the filesystem regardless of the program.
	if strings.Contains(trimmed, ">") {
		return CommandEdit
	}

	token := trimmed
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		token = trimmed[:idx]
	}
	// Strip a path prefix so /bin/cat classifies like cat.
	if idx := strings.LastIndex(token, "/"); idx >= 0 {
		token = token[idx+1:]
	}

	switch {
	case readCommands[token]:
		return CommandRead
	case searchCommands[token]:
		return CommandSearch
	case editCommands[token]:
		return CommandEdit
	case fetchCommands[token]:
		return CommandFetch
	default:
		return CommandOther
	}
}

// KindForCommand maps a shell command to the tool action kind of its class.
// Adapters use it to refine generic shell tool invocations.
func KindForCommand(command string) ToolActionKind {
	switch ClassifyCommand(command) {
	case CommandRead:
		return ToolActionFileRead
	case CommandSearch:
		return ToolActionSearch
	case CommandEdit:
		return ToolActionFileEdit
	case CommandFetch:
		return ToolActionWebFetch
	default:
		return ToolActionCommandRun
	}
}

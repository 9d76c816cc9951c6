package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ShellToolName is the only tool the hook inspects. Every other tool is
// path-scoped by its own implementation and passes through.
const ShellToolName = "shell"

// ToolCall is the hook's view of a pending tool invocation.
type ToolCall struct {
	ToolName string
	Input    map[string]any
	Cwd      string
}

// Decision is the hook's verdict. A denial carries the reason shown to the
// model in the error result.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// CheckToolCall validates a tool call against the profile. Only the shell
// tool is inspected: its command is split into segments on shell operators,
// each segment's head command must be allowed by the profile, and any
// registered argument validator for the head must accept the arguments.
func CheckToolCall(call ToolCall, profile *Profile) Decision {
	if call.ToolName != ShellToolName {
		return allow()
	}
	command, _ := call.Input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return deny("shell call carries no command")
	}
	for _, segment := range splitSegments(command) {
		if d := checkSegment(segment, profile); !d.Allowed {
			return d
		}
	}
	return allow()
}

func checkSegment(segment string, profile *Profile) Decision {
	head, args := headOf(segment)
	if head == "" {
		return allow()
	}

	// Script invocations by path: ./deploy.sh or /abs/path/run.sh. The
	// basename must be registered in the profile's script list.
	if strings.ContainsRune(head, '/') {
		base := filepath.Base(head)
		if !profile.AllowedScript(base) {
			return deny("script %q is not in the allowed script list", base)
		}
		return allow()
	}

	if !profile.Allowed(head) {
		return deny("command %q is not allowed for this session", head)
	}
	if validator := lookupValidator(head); validator != nil {
		if err := validator(args); err != nil {
			return deny("command %q denied: %v", head, err)
		}
	}
	return allow()
}

// splitSegments breaks a command line into independently-validated segments
// at the shell operators ; && || | &. Quoted operators do not split.
func splitSegments(command string) []string {
	var segments []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
			current.WriteRune(r)
		case '\\':
			current.WriteRune(r)
			if i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			}
		case ';':
			flush()
		case '&', '|':
			// && and || consume both runes; a single & or | splits too.
			if i+1 < len(runes) && runes[i+1] == r {
				i++
			}
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return segments
}

// headOf extracts the head command and its arguments from one segment.
// Leading VAR=value environment assignments are skipped, so GOOS=linux go
// build validates as go.
func headOf(segment string) (string, []string) {
	fields := splitFields(segment)
	for i, f := range fields {
		if isEnvAssignment(f) {
			continue
		}
		return stripQuotes(f), fields[i+1:]
	}
	return "", nil
}

// splitFields splits on whitespace, keeping quoted spans intact so that a
// quoted argument counts as one field.
func splitFields(segment string) []string {
	var fields []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if current.Len() > 0 {
			fields = append(fields, current.String())
			current.Reset()
		}
	}

	for _, r := range segment {
		if quote != 0 {
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch {
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return fields
}

func isEnvAssignment(field string) bool {
	eq := strings.IndexRune(field, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range field[:eq] {
		if r != '_' && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

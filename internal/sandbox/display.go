//go:build linux

package sandbox

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

var (
	createColor = color.New(color.FgGreen)
	modifyColor = color.New(color.FgYellow)
	removeColor = color.New(color.FgRed)
	renameColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed, color.Bold)
)

// Display renders one ChangeEntry the way `status`/`diff` print it:
// "+" green for Create, "~" yellow for Modify, "-" red for Remove,
// ">" yellow for Rename ("src -> dst"), "!" red for Error.
func (e ChangeEntry) Display() string {
	switch e.Operation.Kind {
	case OpSet:
		if e.Operation.Set == SetCreate {
			return createColor.Sprintf("+ %s", e.Destination)
		}
		return modifyColor.Sprintf("~ %s", e.Destination)
	case OpRemove:
		return removeColor.Sprintf("- %s", e.Destination)
	case OpRename:
		src := ""
		if e.HasSource {
			src = e.Source.Path
		}
		return renameColor.Sprintf("> %s -> %s", src, e.Destination)
	case OpError:
		return errorColor.Sprintf("! %s (error: %s)", e.Destination, e.Operation.ErrKind)
	default:
		return fmt.Sprintf("? %s", e.Destination)
	}
}

// RenderChanges joins Display output for every entry, one per line.
func RenderChanges(entries []ChangeEntry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Display()
	}
	return strings.Join(lines, "\n")
}

// JSON renders a ChangeEntry's plain-data form for the JSON output
// sink (spec.md §6 "changes" array).
func (e ChangeEntry) JSON() map[string]any {
	m := map[string]any{
		"destination": e.Destination,
	}
	switch e.Operation.Kind {
	case OpSet:
		m["operation"] = e.Operation.Set.String()
	case OpRemove:
		m["operation"] = "remove"
	case OpRename:
		m["operation"] = "rename"
		if e.HasSource {
			m["source"] = e.Source.Path
		}
	case OpError:
		m["operation"] = "error"
		m["error"] = e.Operation.ErrKind.String()
	}
	return m
}

// Package interfacetmpl renders operator-supplied survey interface HTML.
//
// Interface files use MTurk-style ${column} tokens, not a Go template
// dialect; rendering is plain token substitution so existing interface
// files work unmodified.
package interfacetmpl

import (
	"fmt"
	"html"
	"strings"
)

// Render replaces every ${column} token in content with the matching
// row value and ${task_id} with taskID. Tokens without a matching
// column are left as-is so broken interfaces stay visible in review.
func Render(content string, row map[string]string, taskID string) string {
	for column, value := range row {
		content = strings.ReplaceAll(content, "${"+column+"}", value)
	}
	return strings.ReplaceAll(content, "${task_id}", taskID)
}

// SubmissionContext identifies the participant session a rendered
// interface posts back with.
type SubmissionContext struct {
	ParticipantID string
	SessionID     string
	StudyID       string
	TaskID        string
}

// HiddenFields returns the hidden inputs appended below a rendered
// interface so the submission script can echo the session identifiers.
func HiddenFields(sc SubmissionContext) string {
	var b strings.Builder
	for _, field := range []struct {
		name  string
		value string
	}{
		{"prolific_pid", sc.ParticipantID},
		{"session_id", sc.SessionID},
		{"study_id", sc.StudyID},
		{"task_id", sc.TaskID},
	} {
		fmt.Fprintf(&b, "<input type=\"hidden\" id=\"%s\" name=\"%s\" value=\"%s\">\n",
			field.name, field.name, html.EscapeString(field.value))
	}
	return b.String()
}

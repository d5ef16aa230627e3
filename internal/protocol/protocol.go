// Package protocol implements the supervisor's line-based control protocol:
// a command interpreter, the local IPC server and a client.
package protocol

import "strings"

const (
	// OK is the reply of a command that succeeded without a value.
	OK = "OK"
	// ErrorPrefix starts every failure reply.
	ErrorPrefix = "Error: "
)

// IsError reports whether reply is a failure reply.
func IsError(reply string) bool { return strings.HasPrefix(reply, ErrorPrefix) }

// ReplyError strips the error prefix, returning "" for success replies.
func ReplyError(reply string) string {
	if !IsError(reply) {
		return ""
	}
	return strings.TrimPrefix(reply, ErrorPrefix)
}

// Command joins args into one request line, quoting arguments that contain
// blanks or quotes.
func Command(args ...string) string { return quoteArgs(args) }

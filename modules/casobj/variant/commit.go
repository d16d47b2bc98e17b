// SPDX-License-Identifier: Apache-2.0

package variant

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// CommitFields is the shredded form of a commit object's envelope, stored
// as the three columns author_name/author_date/message plus the tree/parent
// SHAs a caller may want for graph traversal.
type CommitFields struct {
	AuthorName   string
	AuthorDateMS int64
	Message      string
	TreeSHA      string
	ParentSHAs   []string
}

// ExtractCommitFields parses the commit envelope: lines "tree <sha>", zero
// or more "parent <sha>", one "author <name> <<email>> <epoch> <zone>", one
// "committer ...", a blank line, then the message. It returns nil if the
// "tree" line is missing or the "author" line is missing or unparseable; the
// tree SHA's own syntax is not checked. The caller then stores the object
// with null shredded columns rather than failing the write.
func ExtractCommitFields(payload []byte) *CommitFields {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	fields := &CommitFields{}
	sawTree := false
	var authorLine string
	inMessage := false
	var message strings.Builder

	for sc.Scan() {
		line := sc.Text()
		if inMessage {
			if message.Len() > 0 {
				message.WriteByte('\n')
			}
			message.WriteString(line)
			continue
		}
		if line == "" {
			inMessage = true
			continue
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			fields.TreeSHA = strings.TrimPrefix(line, "tree ")
			sawTree = true
		case strings.HasPrefix(line, "parent "):
			fields.ParentSHAs = append(fields.ParentSHAs, strings.TrimPrefix(line, "parent "))
		case strings.HasPrefix(line, "author "):
			authorLine = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "committer "):
			// committer is recognised but not shredded into its own column;
			// only the author signature is.
		default:
			// unknown header line (e.g. "encoding", "gpgsig"); ignore.
		}
	}
	if !sawTree || authorLine == "" {
		return nil
	}
	name, _, epochSeconds, ok := parseSignatureLine(authorLine)
	if !ok {
		return nil
	}
	fields.AuthorName = name
	fields.AuthorDateMS = epochSeconds * 1000
	fields.Message = message.String()
	return fields
}

// parseSignatureLine parses "<name> <<email>> <epoch-seconds> <±HHMM>".
func parseSignatureLine(s string) (name, email string, epochSeconds int64, ok bool) {
	open := strings.LastIndexByte(s, '<')
	close := strings.LastIndexByte(s, '>')
	if open == -1 || close == -1 || close < open {
		return "", "", 0, false
	}
	name = strings.TrimSpace(s[:open])
	email = s[open+1 : close]
	rest := strings.TrimSpace(s[close+1:])
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return "", "", 0, false
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, email, epoch, true
}

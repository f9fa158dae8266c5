// Package transcript converts chat sessions to and from Markdown files with
// YAML frontmatter.
package transcript

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/raphaelgruber/statdesk/internal/models"
	"gopkg.in/yaml.v3"
)

// headerSeparator sits between sender and timestamp in message headings.
const headerSeparator = " · "

// messageHeading matches "## user · 2025-03-01T09:00:00Z".
var messageHeading = regexp.MustCompile(`^##\s+(user|assistant)` + headerSeparator + `(\S+)\s*$`)

// ErrNoFrontmatter is returned by Parse for files without a frontmatter block.
var ErrNoFrontmatter = errors.New("transcript has no frontmatter")

// frontmatter is the YAML header of a transcript.
type frontmatter struct {
	ID           string    `yaml:"id"`
	Name         string    `yaml:"name"`
	CreatedAt    time.Time `yaml:"created_at"`
	MessageCount int       `yaml:"message_count"`
	MessageIDs   []string  `yaml:"message_ids,omitempty"`
}

// Render writes a session as Markdown. Pending messages are skipped.
// Leading and trailing whitespace of message content is not preserved. Content
// lines that look like message headings are escaped with a backslash.
func Render(session *models.Session) ([]byte, error) {
	fm := frontmatter{
		ID:        session.ID,
		Name:      session.Name,
		CreatedAt: session.CreatedAt.UTC(),
	}
	var messages []models.Message
	for _, m := range session.Messages {
		if m.Pending {
			continue
		}
		messages = append(messages, m)
		fm.MessageIDs = append(fm.MessageIDs, m.ID)
	}
	fm.MessageCount = len(messages)

	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n", session.Name)

	for _, m := range messages {
		fmt.Fprintf(&buf, "\n## %s%s%s\n\n", m.Sender, headerSeparator, m.CreatedAt.UTC().Format(time.RFC3339))
		buf.WriteString(escapeContent(strings.TrimSpace(m.Content)))
		buf.WriteString("\n")
	}

	return buf.Bytes(), nil
}

// Parse reads a transcript produced by Render.
func Parse(content string) (*models.Session, error) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, ErrNoFrontmatter
	}
	endIdx := strings.Index(content[4:], "\n---")
	if endIdx < 0 {
		return nil, ErrNoFrontmatter
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(content[4:4+endIdx+1]), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	body := strings.TrimPrefix(content[4+endIdx+4:], "\n")

	session := &models.Session{
		ID:        fm.ID,
		Name:      fm.Name,
		CreatedAt: fm.CreatedAt,
	}

	messages, err := parseMessages(body)
	if err != nil {
		return nil, err
	}
	if len(fm.MessageIDs) == len(messages) {
		for i := range messages {
			messages[i].ID = fm.MessageIDs[i]
		}
	}
	for i := range messages {
		messages[i].SessionID = session.ID
	}
	session.Messages = messages

	return session, nil
}

// parseMessages splits the body into messages at each message heading.
func parseMessages(body string) ([]models.Message, error) {
	var messages []models.Message
	var current *models.Message
	var contentBuilder strings.Builder

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(contentBuilder.String())
			messages = append(messages, *current)
			contentBuilder.Reset()
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if match := messageHeading.FindStringSubmatch(line); match != nil {
			flush()
			createdAt, err := time.Parse(time.RFC3339, match[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: parse timestamp: %w", lineNum, err)
			}
			current = &models.Message{
				Sender:    models.Sender(match[1]),
				CreatedAt: createdAt,
			}
			continue
		}
		if current != nil {
			contentBuilder.WriteString(unescapeLine(line))
			contentBuilder.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	flush()

	return messages, nil
}

// escapeContent prefixes a backslash to every line that would parse as a
// message heading, including lines already escaped that way.
func escapeContent(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if messageHeading.MatchString(strings.TrimLeft(line, `\`)) {
			lines[i] = `\` + line
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeLine(line string) string {
	if strings.HasPrefix(line, `\`) && messageHeading.MatchString(strings.TrimLeft(line, `\`)) {
		return line[1:]
	}
	return line
}

// FileName returns the file name used when exporting a session.
func FileName(session *models.Session) string {
	slug := models.Slugify(session.Name)
	if slug == "" {
		slug = "session"
	}
	return fmt.Sprintf("%s-%s.md", slug, session.ID)
}

package cli

import (
	"strings"

	"github.com/raphaelgruber/statdesk/internal/models"
	"github.com/sahilm/fuzzy"
)

// sessionNames adapts session summaries to fuzzy.Source.
type sessionNames []models.SessionSummary

func (s sessionNames) String(i int) string { return s[i].Name }
func (s sessionNames) Len() int            { return len(s) }

// filterSessions keeps sessions whose name fuzzy-matches query, best match first.
func filterSessions(sessions []models.SessionSummary, query string) []models.SessionSummary {
	query = strings.TrimSpace(query)
	if query == "" {
		return sessions
	}
	matches := fuzzy.FindFrom(query, sessionNames(sessions))
	filtered := make([]models.SessionSummary, len(matches))
	for i, match := range matches {
		filtered[i] = sessions[match.Index]
	}
	return filtered
}

// resolveSession finds a session by exact id, unique id prefix, or best fuzzy name match.
func resolveSession(sessions []models.SessionSummary, ref string) (models.SessionSummary, bool) {
	var prefixed []models.SessionSummary
	for _, s := range sessions {
		if s.ID == ref {
			return s, true
		}
		if strings.HasPrefix(s.ID, ref) {
			prefixed = append(prefixed, s)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], true
	}

	if matches := filterSessions(sessions, ref); len(matches) > 0 {
		return matches[0], true
	}
	return models.SessionSummary{}, false
}

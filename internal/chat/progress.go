package chat

import "time"

// Stage is one step of the reply progress indicator.
type Stage int

const (
	StageThink Stage = iota
	StageSearch
	StageCombine
	StageGenerate
)

// stageCount is the number of progress stages.
const stageCount = 4

// DefaultProgressDuration is the pacing used before any reply time is known.
const DefaultProgressDuration = 180 * time.Second

func (s Stage) String() string {
	switch s {
	case StageThink:
		return "think"
	case StageSearch:
		return "search"
	case StageCombine:
		return "combine"
	case StageGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

// Label is the human-readable description shown next to the indicator.
func (s Stage) Label() string {
	switch s {
	case StageThink:
		return "Thinking about your question"
	case StageSearch:
		return "Searching documents"
	case StageCombine:
		return "Combining results"
	case StageGenerate:
		return "Generating answer"
	default:
		return ""
	}
}

// Schedule paces the progress indicator. It is cosmetic only and never
// influences when a reply is detected.
type Schedule struct {
	Start         time.Time
	StageDuration time.Duration
}

// NewSchedule splits total evenly across the stages. A known reply duration
// shorter than total compresses the schedule so the indicator does not
// outlast a fast reply.
func NewSchedule(start time.Time, total, hint time.Duration) Schedule {
	if total <= 0 {
		total = DefaultProgressDuration
	}
	if hint > 0 && hint < total {
		total = hint
	}
	return Schedule{
		Start:         start,
		StageDuration: total / stageCount,
	}
}

// Total returns the full length of the schedule.
func (s Schedule) Total() time.Duration {
	return s.StageDuration * stageCount
}

// StageAt returns the stage to display at now. The last stage holds until the
// indicator is hidden.
func (s Schedule) StageAt(now time.Time) Stage {
	elapsed := now.Sub(s.Start)
	if elapsed <= 0 || s.StageDuration <= 0 {
		return StageThink
	}
	idx := int(elapsed / s.StageDuration)
	if idx >= stageCount {
		return StageGenerate
	}
	return Stage(idx)
}

// Fraction returns overall progress in [0, 1].
func (s Schedule) Fraction(now time.Time) float64 {
	total := s.Total()
	elapsed := now.Sub(s.Start)
	if elapsed <= 0 || total <= 0 {
		return 0
	}
	if elapsed >= total {
		return 1
	}
	return float64(elapsed) / float64(total)
}

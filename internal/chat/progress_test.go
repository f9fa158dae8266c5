package chat_test

import (
	"testing"
	"time"

	"github.com/raphaelgruber/statdesk/internal/chat"
	"github.com/stretchr/testify/assert"
)

func TestNewSchedule(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		total time.Duration
		hint  time.Duration
		want  time.Duration
	}{
		{"default without hint", 0, 0, chat.DefaultProgressDuration},
		{"configured total", 80 * time.Second, 0, 80 * time.Second},
		{"shorter hint compresses", chat.DefaultProgressDuration, 40 * time.Second, 40 * time.Second},
		{"longer hint ignored", chat.DefaultProgressDuration, 10 * time.Minute, chat.DefaultProgressDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := chat.NewSchedule(start, tt.total, tt.hint)
			assert.Equal(t, tt.want, s.Total())
			assert.Equal(t, tt.want/4, s.StageDuration)
		})
	}
}

func TestScheduleStages(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := chat.NewSchedule(start, 180*time.Second, 0)

	assert.Equal(t, chat.StageThink, s.StageAt(start.Add(-time.Second)))
	assert.Equal(t, chat.StageThink, s.StageAt(start.Add(44*time.Second)))
	assert.Equal(t, chat.StageSearch, s.StageAt(start.Add(45*time.Second)))
	assert.Equal(t, chat.StageCombine, s.StageAt(start.Add(100*time.Second)))
	assert.Equal(t, chat.StageGenerate, s.StageAt(start.Add(170*time.Second)))
	assert.Equal(t, chat.StageGenerate, s.StageAt(start.Add(time.Hour)), "last stage holds")

	assert.Zero(t, s.Fraction(start))
	assert.InDelta(t, 0.5, s.Fraction(start.Add(90*time.Second)), 1e-9)
	assert.Equal(t, 1.0, s.Fraction(start.Add(time.Hour)))
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "think", chat.StageThink.String())
	assert.Equal(t, "generate", chat.StageGenerate.String())
	assert.Equal(t, "Searching documents", chat.StageSearch.Label())
}

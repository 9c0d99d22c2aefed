package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		q    string
		want Type
	}{
		{"What is photosynthesis?", TypeFactual},
		{"Who wrote Dune", TypeFactual},
		{"Compare TCP and UDP", TypeComparative},
		{"Postgres vs MySQL for analytics", TypeComparative},
		{"What is the difference between a list and a tuple?", TypeComparative},
		{"How do I install Go on Linux?", TypeProcedural},
		{"steps to configure nginx", TypeProcedural},
		{"Why did the Roman empire fall?", TypeAnalytical},
		{"explain the impact of inflation on bonds", TypeAnalytical},
		{"Tell me about volcanoes", TypeExploratory},
		{"What are some ideas for a science fair", TypeExploratory},
		{"hello there", TypeUnknown},
		{"   ", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.q))
		})
	}
}

func TestAnalyze(t *testing.T) {
	simple := Analyze("What is photosynthesis?")
	assert.Equal(t, 3, simple.Words)
	assert.Equal(t, 1, simple.Parts)
	assert.False(t, simple.MultiPart)
	assert.Less(t, simple.Complexity, 0.2)

	hard := Analyze("Compare the economic impact of solar and wind power in Europe? Which one scales better over the next decade? What are the storage implications?")
	assert.True(t, hard.Comparative)
	assert.True(t, hard.MultiPart)
	assert.Equal(t, 3, hard.Parts)
	assert.Greater(t, hard.Complexity, simple.Complexity)
	assert.LessOrEqual(t, hard.Complexity, 1.0)

	empty := Analyze("")
	assert.Equal(t, 0, empty.Parts)
	assert.Equal(t, TypeUnknown, empty.Type)
	assert.GreaterOrEqual(t, empty.Complexity, 0.0)
}

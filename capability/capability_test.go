package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapability_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cap     Capability
		wantErr bool
	}{
		{
			name: "valid capability",
			cap:  Capability{Name: "summarize", TypicalTime: 5, MaxTime: 30},
			wantErr: false,
		},
		{
			name:    "missing name",
			cap:     Capability{TypicalTime: 5, MaxTime: 30},
			wantErr: true,
		},
		{
			name:    "typical exceeds max",
			cap:     Capability{Name: "summarize", TypicalTime: 40, MaxTime: 30},
			wantErr: true,
		},
		{
			name:    "max unset is not checked",
			cap:     Capability{Name: "summarize", TypicalTime: 40},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cap.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFilter_IsEmpty(t *testing.T) {
	assert.True(t, Filter{}.IsEmpty())
	assert.False(t, Filter{MaxCost: 1}.IsEmpty())
	assert.False(t, Filter{RequiredTypes: []Type{TaskExecution}}.IsEmpty())
}

func TestFilter_EffectiveHealthStatuses(t *testing.T) {
	f := Filter{}
	assert.Equal(t, []Health{Healthy, Warning}, f.EffectiveHealthStatuses())

	f.HealthStatuses = []Health{Critical}
	assert.Equal(t, []Health{Critical}, f.EffectiveHealthStatuses())
}

func TestResult_Viable(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{
			name: "viable",
			r:    Result{Score: 0.6, SubScores: SubScores{Health: 0.5}},
			want: true,
		},
		{
			name: "score too low",
			r:    Result{Score: 0.49, SubScores: SubScores{Health: 0.5}},
			want: false,
		},
		{
			name: "has missing requirements",
			r:    Result{Score: 0.9, SubScores: SubScores{Health: 0.5}, MissingRequirements: []string{"tool:x"}},
			want: false,
		},
		{
			name: "zero health",
			r:    Result{Score: 0.9, SubScores: SubScores{Health: 0}},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Viable())
		})
	}
}

func TestHealth_Weight(t *testing.T) {
	assert.Equal(t, 1.0, Healthy.Weight())
	assert.Equal(t, 0.7, Warning.Weight())
	assert.Equal(t, 0.3, Critical.Weight())
	assert.Equal(t, 0.0, Offline.Weight())
	assert.Equal(t, 0.5, Unknown.Weight())
}

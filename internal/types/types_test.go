package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionCarriesValue(t *testing.T) {
	assert.True(t, ActionAct.CarriesValue())
	assert.True(t, ActionSuggest.CarriesValue())
	assert.False(t, ActionShadow.CarriesValue())
	assert.False(t, ActionDefer.CarriesValue())
	assert.False(t, Action("approve").Valid())
}

func TestTrustDecisionValidate(t *testing.T) {
	value := ValueApproved
	tests := []struct {
		name    string
		action  Action
		value   *string
		level   int
		wantErr bool
	}{
		{"shadow without value", ActionShadow, nil, 1, false},
		{"defer without value", ActionDefer, nil, 3, false},
		{"act with value", ActionAct, &value, 4, false},
		{"suggest with value", ActionSuggest, &value, 2, false},
		{"act missing value", ActionAct, nil, 4, true},
		{"shadow carrying value", ActionShadow, &value, 1, true},
		{"level out of range", ActionDefer, nil, 6, true},
		{"unknown action", Action("maybe"), nil, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := TrustDecision{ID: "d", Action: tt.action, DecisionValue: tt.value, TrustLevel: tt.level}
			err := d.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClampTrustLevel(t *testing.T) {
	assert.Equal(t, 1, ClampTrustLevel(-3))
	assert.Equal(t, 3, ClampTrustLevel(3))
	assert.Equal(t, 5, ClampTrustLevel(9))
}

func TestDecisionEventValidate(t *testing.T) {
	assert.Error(t, DecisionEvent{Question: "q"}.Validate())
	assert.Error(t, DecisionEvent{ID: "n"}.Validate())
	assert.NoError(t, DecisionEvent{ID: "n", Question: "q"}.Validate())
}

package foreman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetledger/internal/model"
)

func TestParseClientRule(t *testing.T) {
	linux := &model.Client{ID: 0x01}
	windows := &model.Client{ID: 0x02}

	tests := []struct {
		rule       string
		wantString string
		matches    map[*model.Client][]string // client -> labels, listed clients must match
		rejects    map[*model.Client][]string
	}{
		{
			rule:       "",
			wantString: "all",
			matches:    map[*model.Client][]string{linux: nil, windows: {"x"}},
		},
		{
			rule:       "label:Linux, server",
			wantString: "label:Linux,server",
			matches:    map[*model.Client][]string{linux: {"linux"}, windows: {"server"}},
			rejects:    map[*model.Client][]string{windows: {"windows"}},
		},
		{
			rule:       "client:C.0000000000000001",
			wantString: "client:C.0000000000000001",
			matches:    map[*model.Client][]string{linux: nil},
			rejects:    map[*model.Client][]string{windows: nil},
		},
		{
			rule:       "label:linux;!label:canary",
			wantString: "label:linux;!label:canary",
			matches:    map[*model.Client][]string{linux: {"linux"}},
			rejects:    map[*model.Client][]string{windows: {"linux", "canary"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			rule, err := ParseClientRule(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.wantString, rule.String())
			for c, labels := range tt.matches {
				assert.True(t, rule.Matches(c, labels), "%s should match %s %v", tt.rule, c.ID, labels)
			}
			for c, labels := range tt.rejects {
				assert.False(t, rule.Matches(c, labels), "%s should not match %s %v", tt.rule, c.ID, labels)
			}
		})
	}
}

func TestParseClientRule_Invalid(t *testing.T) {
	for _, rule := range []string{"linux", "label:", "os:linux", "client:not-hex", "label:a;;label:b"} {
		t.Run(rule, func(t *testing.T) {
			_, err := ParseClientRule(rule)
			assert.Error(t, err)
		})
	}
}

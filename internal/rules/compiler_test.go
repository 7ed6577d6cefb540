package rules

import (
	"testing"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		def        domain.RuleDefinition
		wantAction domain.Decision
		wantTarget domain.CaseKind
		wantErr    bool
	}{
		{
			name:       "block action",
			def:        domain.RuleDefinition{ID: "r1", Expression: "true", Action: "BLOCK", Target: "order"},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "empty action defaults to block",
			def:        domain.RuleDefinition{ID: "r1", Expression: "true", Target: "ORDER"},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "lower case block",
			def:        domain.RuleDefinition{ID: "r1", Expression: "true", Action: "block", Target: "purchase"},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CasePurchase,
		},
		{
			name:       "unknown action becomes review",
			def:        domain.RuleDefinition{ID: "r1", Expression: "true", Action: "ALERT", Target: "order"},
			wantAction: domain.DecisionReview,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "allow is not a rule action",
			def:        domain.RuleDefinition{ID: "r1", Expression: "true", Action: "ALLOW", Target: "order"},
			wantAction: domain.DecisionReview,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "target inferred from purchase reference",
			def:        domain.RuleDefinition{ID: "r1", Expression: "purchase.payment_status == 'FAILED'", Target: "payment"},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CasePurchase,
		},
		{
			name:       "target inferred from order reference",
			def:        domain.RuleDefinition{ID: "r1", Expression: "order['country'] != 'KR'", Action: "REVIEW", Target: "orders"},
			wantAction: domain.DecisionReview,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "order wins when both are referenced",
			def:        domain.RuleDefinition{ID: "r1", Expression: "purchase.payment_status == 'FAILED' && order.price > 10.0", Target: "payment"},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "empty target is order",
			def:        domain.RuleDefinition{ID: "r", Expression: "case_id == 'O1'"},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CaseOrder,
		},
		{
			name:       "blank target is order even for purchase fields",
			def:        domain.RuleDefinition{ID: "r", Expression: "purchase.price > 1.0", Target: "  "},
			wantAction: domain.DecisionBlock,
			wantTarget: domain.CaseOrder,
		},
		{
			name:    "unresolvable target",
			def:     domain.RuleDefinition{ID: "r1", Expression: "case_id == 'x'", Target: "refund"},
			wantErr: true,
		},
		{
			name:    "missing id",
			def:     domain.RuleDefinition{Expression: "true", Target: "order"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := Normalize(&tt.def)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, rule.Action)
			assert.Equal(t, tt.wantTarget, rule.Target)
		})
	}
}

func TestNormalizeRegisterTargets(t *testing.T) {
	rule, err := Normalize(&domain.RuleDefinition{ID: "r1", Expression: "true", Target: "order", RegisterBlocklist: true})
	require.NoError(t, err)
	assert.Equal(t, domain.RegisterAll, rule.RegisterTargets)

	rule, err = Normalize(&domain.RuleDefinition{ID: "r1", Expression: "true", Target: "order", RegisterTargets: "device, card"})
	require.NoError(t, err)
	assert.False(t, rule.RegisterTargets.Has(domain.RegisterUser))
	assert.True(t, rule.RegisterTargets.Has(domain.RegisterDevice))
	assert.True(t, rule.RegisterTargets.Has(domain.RegisterCard))
}

func TestCompile(t *testing.T) {
	compiler, err := NewCompiler()
	require.NoError(t, err)

	t.Run("Valid", func(t *testing.T) {
		rule, err := compiler.Compile(&domain.RuleDefinition{
			ID:         "r1",
			Expression: "blocklisted.user || velocity.account_orders > 5 || item_count >= 10",
			Target:     "order",
		})
		require.NoError(t, err)
		assert.NotNil(t, rule.Program)
		assert.Equal(t, "r1", rule.ID)
	})

	t.Run("DynResultAccepted", func(t *testing.T) {
		_, err := compiler.Compile(&domain.RuleDefinition{ID: "r1", Expression: "order.flagged", Target: "order"})
		assert.NoError(t, err)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := compiler.Compile(&domain.RuleDefinition{ID: "r1", Expression: "this is not valid CEL !!!", Target: "order"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("NonBoolResult", func(t *testing.T) {
		_, err := compiler.Compile(&domain.RuleDefinition{ID: "r1", Expression: "item_count + 1", Target: "order"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		_, err := compiler.Compile(&domain.RuleDefinition{ID: "r1", Expression: "amount > 100.0", Target: "order"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

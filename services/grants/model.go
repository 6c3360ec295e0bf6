package grants

import (
	"time"

	"trophymint/services/eligibility"
)

// MilestoneEvent is one milestone.completed record from the game-progress
// stream. EventID is the idempotency key: replays of the same event produce
// the same eligibilities and nothing else.
type MilestoneEvent struct {
	EventID    string                 `json:"event_id"`
	HolderRef  string                 `json:"holder_ref"`
	Milestone  string                 `json:"milestone"`
	Category   string                 `json:"category,omitempty"`
	Season     string                 `json:"season,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// attrs flattens the event into the variable set rule expressions see.
// Every declared variable is always present so expressions never hit a
// missing attribute.
func (e *MilestoneEvent) attrs() map[string]interface{} {
	attrs := map[string]interface{}{
		"event_id":    e.EventID,
		"holder_ref":  e.HolderRef,
		"milestone":   e.Milestone,
		"category":    e.Category,
		"season":      e.Season,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339),
		"attributes":  map[string]interface{}{},
	}
	if e.Attributes != nil {
		attrs["attributes"] = e.Attributes
	}
	return attrs
}

// eventAttrTypes declares the rule variable set; values only carry types.
func eventAttrTypes() map[string]interface{} {
	return map[string]interface{}{
		"event_id":    "",
		"holder_ref":  "",
		"milestone":   "",
		"category":    "",
		"season":      "",
		"occurred_at": "",
		"attributes":  map[string]interface{}{},
	}
}

// GrantRule maps milestone events onto eligibility grants. Expression is a
// CEL predicate over the event; ScopeExpr is a CEL expression producing the
// scope ref of the grant, usually a field reference like `category` or a
// literal like `"MAST"`.
type GrantRule struct {
	ID         string           `gorm:"column:id;primaryKey;type:varchar(24)"`
	Name       string           `gorm:"column:name;type:varchar(64)"`
	Expression string           `gorm:"column:expression;type:varchar(512);not null"`
	Type       eligibility.Type `gorm:"column:type;type:varchar(20);not null"`
	ScopeExpr  string           `gorm:"column:scope_expr;type:varchar(64);not null"`
	Priority   int              `gorm:"column:priority;default:100"`
	Enabled    bool             `gorm:"column:enabled;index"`
	CreatedAt  time.Time        `gorm:"column:created_at"`
	UpdatedAt  time.Time        `gorm:"column:updated_at"`
}

// DefaultRules is the stock mapping seeded into fresh environments.
var DefaultRules = []*GrantRule{
	{
		ID:         "milestone-category",
		Name:       "Category milestone",
		Expression: `milestone == "category.completed" && category != ""`,
		Type:       eligibility.TypeCategory,
		ScopeExpr:  "category",
		Priority:   10,
		Enabled:    true,
	},
	{
		ID:         "milestone-mastery",
		Name:       "Mastery milestone",
		Expression: `milestone == "mastery.completed"`,
		Type:       eligibility.TypeMaster,
		ScopeExpr:  `"MAST"`,
		Priority:   20,
		Enabled:    true,
	},
	{
		ID:         "milestone-season",
		Name:       "Season milestone",
		Expression: `milestone == "season.completed" && season != ""`,
		Type:       eligibility.TypeSeason,
		ScopeExpr:  "season",
		Priority:   30,
		Enabled:    true,
	},
}

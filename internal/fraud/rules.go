package fraud

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// RuleType identifies which evaluator a rule binds to.
type RuleType string

const (
	RuleAmountThreshold RuleType = "amount_threshold"
	RuleVelocityCheck   RuleType = "velocity_check"
	RuleGeographic      RuleType = "geographic"
	RuleTimeBased       RuleType = "time_based"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleAmountThreshold, RuleVelocityCheck, RuleGeographic, RuleTimeBased:
		return true
	}
	return false
}

// AmountCondition compares the transaction amount against a value.
// Operator is one of > >= < <= ==, defaulting to >.
type AmountCondition struct {
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value"`
}

// VelocityCondition bounds the number of transactions allowed inside a
// trailing window. A zero window means 60 minutes.
type VelocityCondition struct {
	WindowMinutes int `json:"windowMinutes,omitempty"`
	MaxCount      int `json:"maxCount"`
}

// GeoCondition lists the country codes the rule fires on.
type GeoCondition struct {
	Countries []string `json:"countries"`
}

// TimeCondition fires inside an hour range. Start > End wraps overnight.
type TimeCondition struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// Condition is a tagged union: exactly one branch must be set, and it must
// match the rule's type.
type Condition struct {
	Amount   *AmountCondition   `json:"amount,omitempty"`
	Velocity *VelocityCondition `json:"velocity,omitempty"`
	Geo      *GeoCondition      `json:"geo,omitempty"`
	Time     *TimeCondition     `json:"time,omitempty"`
}

// Rule is a configurable fraud detection rule. Priority 1 is the most
// severe tier; lower numbers sort first during evaluation.
type Rule struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Type         RuleType  `json:"type"`
	Condition    Condition `json:"condition"`
	Priority     int       `json:"priority"`
	Active       bool      `json:"active"`
	TriggerCount int64     `json:"triggerCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ValidateRule checks that a rule's condition branch matches its type.
func ValidateRule(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	if r.Priority < 1 {
		return fmt.Errorf("priority must be at least 1")
	}
	switch r.Type {
	case RuleAmountThreshold:
		if r.Condition.Amount == nil {
			return fmt.Errorf("amount_threshold rule requires an amount condition")
		}
		switch op := r.Condition.Amount.Operator; op {
		case "", ">", ">=", "<", "<=", "==":
		default:
			return fmt.Errorf("unknown amount operator %q", op)
		}
	case RuleVelocityCheck:
		if r.Condition.Velocity == nil {
			return fmt.Errorf("velocity_check rule requires a velocity condition")
		}
		if r.Condition.Velocity.MaxCount < 1 {
			return fmt.Errorf("velocity maxCount must be at least 1")
		}
	case RuleGeographic:
		if r.Condition.Geo == nil || len(r.Condition.Geo.Countries) == 0 {
			return fmt.Errorf("geographic rule requires at least one country")
		}
	case RuleTimeBased:
		if r.Condition.Time == nil {
			return fmt.Errorf("time_based rule requires a time condition")
		}
		c := r.Condition.Time
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
			return fmt.Errorf("hours must be within 0-23")
		}
	}
	return nil
}

// ruleSet is an immutable snapshot of the active rules, pre-sorted by
// priority then load order.
type ruleSet struct {
	rules    []Rule
	loadedAt time.Time
}

var emptyRuleSet = &ruleSet{}

// RuleEngine evaluates active rules against transactions. The rule list is
// swapped atomically on reload; in-flight evaluations keep the snapshot they
// started with.
type RuleEngine struct {
	set           atomic.Pointer[ruleSet]
	defaultWindow time.Duration
}

// NewRuleEngine creates an empty rule engine. defaultWindow is used by
// velocity rules that do not specify their own window; zero means one hour.
func NewRuleEngine(defaultWindow time.Duration) *RuleEngine {
	if defaultWindow <= 0 {
		defaultWindow = time.Hour
	}
	e := &RuleEngine{defaultWindow: defaultWindow}
	e.set.Store(emptyRuleSet)
	return e
}

// Load replaces the active rule set. Rules are sorted by ascending priority;
// equal priorities keep their given order.
func (e *RuleEngine) Load(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	e.set.Store(&ruleSet{rules: sorted, loadedAt: time.Now()})
}

// Rules returns the current snapshot for inspection.
func (e *RuleEngine) Rules() []Rule {
	return e.set.Load().rules
}

// ruleOutcome captures a single triggered rule.
type ruleOutcome struct {
	rule   Rule
	factor RiskFactor
}

// Evaluate runs every rule in the current snapshot against the transaction.
// A rule that fails to evaluate is skipped and reported; it never aborts the
// remaining rules.
func (e *RuleEngine) Evaluate(tx *Transaction, window []CacheEntry) (outcomes []ruleOutcome, failed []string) {
	set := e.set.Load()
	for _, rule := range set.rules {
		hit, err := e.evalRule(&rule, tx, window)
		if err != nil {
			failed = append(failed, rule.ID)
			continue
		}
		if !hit {
			continue
		}
		severity := SeverityLow
		score := 10.0
		switch rule.Priority {
		case 1:
			severity, score = SeverityHigh, 30
		case 2:
			severity, score = SeverityMedium, 20
		}
		outcomes = append(outcomes, ruleOutcome{
			rule: rule,
			factor: RiskFactor{
				Name:        "Rule: " + rule.Name,
				Score:       score,
				Description: "Triggered fraud rule: " + rule.Name,
				Severity:    severity,
			},
		})
	}
	return outcomes, failed
}

func (e *RuleEngine) evalRule(r *Rule, tx *Transaction, window []CacheEntry) (hit bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			hit = false
			err = fmt.Errorf("rule %s panicked: %v", r.ID, rec)
		}
	}()

	switch r.Type {
	case RuleAmountThreshold:
		c := r.Condition.Amount
		if c == nil {
			return false, fmt.Errorf("rule %s: missing amount condition", r.ID)
		}
		amount := tx.Amount.InexactFloat64()
		switch c.Operator {
		case "", ">":
			return amount > c.Value, nil
		case ">=":
			return amount >= c.Value, nil
		case "<":
			return amount < c.Value, nil
		case "<=":
			return amount <= c.Value, nil
		case "==":
			return amount == c.Value, nil
		default:
			return false, fmt.Errorf("rule %s: unknown operator %q", r.ID, c.Operator)
		}

	case RuleVelocityCheck:
		c := r.Condition.Velocity
		if c == nil {
			return false, fmt.Errorf("rule %s: missing velocity condition", r.ID)
		}
		dur := e.defaultWindow
		if c.WindowMinutes > 0 {
			dur = time.Duration(c.WindowMinutes) * time.Minute
		}
		cutoff := tx.Timestamp.Add(-dur)
		count := 0
		for _, e := range window {
			if !e.Timestamp.Before(cutoff) {
				count++
			}
		}
		return count > c.MaxCount, nil

	case RuleGeographic:
		c := r.Condition.Geo
		if c == nil {
			return false, fmt.Errorf("rule %s: missing geo condition", r.ID)
		}
		for _, code := range c.Countries {
			if code == tx.CountryCode {
				return true, nil
			}
		}
		return false, nil

	case RuleTimeBased:
		c := r.Condition.Time
		if c == nil {
			return false, fmt.Errorf("rule %s: missing time condition", r.ID)
		}
		hour := tx.Timestamp.Hour()
		if c.StartHour > c.EndHour {
			return hour >= c.StartHour || hour <= c.EndHour, nil
		}
		return hour >= c.StartHour && hour <= c.EndHour, nil
	}

	return false, fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
}

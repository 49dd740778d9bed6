package bunadapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	"github.com/uptrace/bun"
)

// Forked from github.com/msales/casbin-bun-adapter at v1.0.7.
// The table is schema-less and keyed on every value column, rules carry at
// most three values, and filtered updates report the rows they replaced.

const maxValues = 3

// Adapter stores policy rules in the casbin_rules table through bun.
type Adapter struct {
	db bun.IDB
}

var (
	_ persist.Adapter          = (*Adapter)(nil)
	_ persist.BatchAdapter     = (*Adapter)(nil)
	_ persist.UpdatableAdapter = (*Adapter)(nil)
)

// NewAdapter creates an adapter on an existing connection.
// Call EnsureSchema first when the table may not exist yet.
func NewAdapter(db bun.IDB) *Adapter {
	return &Adapter{db: db}
}

// EnsureSchema creates the casbin_rules table when missing.
func EnsureSchema(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*CasbinRule)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create casbin_rules table: %w", err)
	}
	return nil
}

// LoadPolicy loads every stored rule into the model.
func (a *Adapter) LoadPolicy(m model.Model) error {
	var rules []*CasbinRule
	if err := a.db.NewSelect().Model(&rules).Scan(context.Background()); err != nil {
		return fmt.Errorf("failed to load policy from adapter db: %w", err)
	}

	for _, r := range rules {
		values := r.Values()
		if len(values) == 0 {
			continue
		}
		if err := persist.LoadPolicyArray(append([]string{r.Ptype}, values...), m); err != nil {
			return fmt.Errorf("load rule %s: %w", r, err)
		}
	}
	return nil
}

// SavePolicy replaces the stored rules with the model's rules.
func (a *Adapter) SavePolicy(m model.Model) error {
	var rules []*CasbinRule
	for _, sec := range []string{"p", "g"} {
		for ptype, assertion := range m[sec] {
			for _, rule := range assertion.Policy {
				rules = append(rules, NewCasbinRule(ptype, rule))
			}
		}
	}

	err := a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*CasbinRule)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return err
		}
		return insertRules(ctx, tx, rules)
	})
	if err != nil {
		return fmt.Errorf("failed to save policy to adapter db: %w", err)
	}
	return nil
}

// AddPolicy adds a single rule.
func (a *Adapter) AddPolicy(sec, ptype string, rule []string) error {
	return a.AddPolicies(sec, ptype, [][]string{rule})
}

// AddPolicies adds rules, ignoring ones already stored.
func (a *Adapter) AddPolicies(_ string, ptype string, rules [][]string) error {
	lines := make([]*CasbinRule, 0, len(rules))
	for _, rule := range rules {
		lines = append(lines, NewCasbinRule(ptype, rule))
	}

	err := a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		return insertRules(ctx, tx, lines)
	})
	if err != nil {
		return fmt.Errorf("failed to add policy rules: %w", err)
	}
	return nil
}

// RemovePolicy removes a single rule.
func (a *Adapter) RemovePolicy(sec, ptype string, rule []string) error {
	return a.RemovePolicies(sec, ptype, [][]string{rule})
}

// RemovePolicies removes the given rules.
func (a *Adapter) RemovePolicies(_ string, ptype string, rules [][]string) error {
	if len(rules) == 0 {
		return nil
	}

	q := a.db.NewDelete().Model((*CasbinRule)(nil))
	q = q.WhereGroup(" AND ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
		for _, rule := range rules {
			line := NewCasbinRule(ptype, rule)
			q = q.WhereGroup(" OR ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
				return line.exact(q)
			})
		}
		return q
	})
	if _, err := q.Exec(context.Background()); err != nil {
		return fmt.Errorf("failed to remove policy rules: %w", err)
	}
	return nil
}

// RemoveFilteredPolicy removes rules matching the non-empty field values
// starting at fieldIndex.
func (a *Adapter) RemoveFilteredPolicy(_ string, ptype string, fieldIndex int, fieldValues ...string) error {
	q := a.db.NewDelete().Model((*CasbinRule)(nil)).Where("ptype = ?", ptype)
	for col, v := range filterColumns(fieldIndex, fieldValues) {
		q = q.Where("? = ?", bun.Ident(col), v)
	}
	if _, err := q.Exec(context.Background()); err != nil {
		return fmt.Errorf("failed to remove filtered adapter policy: %w", err)
	}
	return nil
}

// UpdatePolicy replaces one rule.
func (a *Adapter) UpdatePolicy(sec, ptype string, oldRule, newRule []string) error {
	return a.UpdatePolicies(sec, ptype, [][]string{oldRule}, [][]string{newRule})
}

// UpdatePolicies replaces oldRules[i] with newRules[i].
func (a *Adapter) UpdatePolicies(_ string, ptype string, oldRules, newRules [][]string) error {
	if len(oldRules) != len(newRules) {
		return fmt.Errorf("update policies: %d old rules but %d new rules", len(oldRules), len(newRules))
	}

	return a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range oldRules {
			oldLine := NewCasbinRule(ptype, oldRules[i])
			newLine := NewCasbinRule(ptype, newRules[i])

			q := tx.NewUpdate().
				Model(newLine).
				Column("v0", "v1", "v2")
			q = q.WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
				q = q.Where("ptype = ?", oldLine.Ptype)
				for col, v := range oldLine.columns() {
					q = q.Where("? = ?", bun.Ident(col), v)
				}
				return q
			})
			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("update rule %s: %w", oldLine, err)
			}
		}
		return nil
	})
}

// UpdateFilteredPolicies deletes every rule matching the filter, inserts
// newRules, and returns the deleted rules without their ptype.
func (a *Adapter) UpdateFilteredPolicies(_ string, ptype string, newRules [][]string, fieldIndex int, fieldValues ...string) ([][]string, error) {
	filter := filterColumns(fieldIndex, fieldValues)

	lines := make([]*CasbinRule, 0, len(newRules))
	for _, rule := range newRules {
		lines = append(lines, NewCasbinRule(ptype, rule))
	}

	var old []*CasbinRule
	err := a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		sel := tx.NewSelect().Model(&old).Where("ptype = ?", ptype)
		del := tx.NewDelete().Model((*CasbinRule)(nil)).Where("ptype = ?", ptype)
		for col, v := range filter {
			sel = sel.Where("? = ?", bun.Ident(col), v)
			del = del.Where("? = ?", bun.Ident(col), v)
		}
		if err := sel.Scan(ctx); err != nil {
			return err
		}
		if _, err := del.Exec(ctx); err != nil {
			return err
		}
		return insertRules(ctx, tx, lines)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update filtered policies: %w", err)
	}

	oldRules := make([][]string, 0, len(old))
	for _, r := range old {
		oldRules = append(oldRules, r.Values())
	}
	return oldRules, nil
}

func insertRules(ctx context.Context, tx bun.Tx, lines []*CasbinRule) error {
	for _, line := range lines {
		if _, err := tx.NewInsert().Model(line).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("insert rule %s: %w", line, err)
		}
	}
	return nil
}

// filterColumns maps non-empty filter values to their column names.
func filterColumns(fieldIndex int, fieldValues []string) map[string]string {
	cols := make(map[string]string)
	for i, v := range fieldValues {
		idx := fieldIndex + i
		if v == "" || idx < 0 || idx >= maxValues {
			continue
		}
		cols[fmt.Sprintf("v%d", idx)] = v
	}
	return cols
}

// CasbinRule is one stored policy line.
// Every column is part of the primary key so a rule exists at most once.
type CasbinRule struct {
	bun.BaseModel `bun:"table:casbin_rules,alias:cr"`

	Ptype string `bun:"ptype,pk,type:varchar(100),notnull"` // 'p' or 'g'
	V0    string `bun:"v0,pk,type:varchar(255)"`            // role (p) or username (g)
	V1    string `bun:"v1,pk,type:varchar(255)"`            // operation (p) or role (g)
	V2    string `bun:"v2,pk,type:varchar(255)"`
}

// NewCasbinRule builds a rule row; values past the third are dropped.
func NewCasbinRule(ptype string, rule []string) *CasbinRule {
	line := &CasbinRule{Ptype: ptype}
	fields := []*string{&line.V0, &line.V1, &line.V2}
	for i := 0; i < len(rule) && i < maxValues; i++ {
		*fields[i] = rule[i]
	}
	return line
}

// Values returns the rule values up to the last non-empty one.
func (r *CasbinRule) Values() []string {
	values := []string{r.V0, r.V1, r.V2}
	last := -1
	for i := len(values) - 1; i >= 0; i-- {
		if values[i] != "" {
			last = i
			break
		}
	}
	return values[:last+1]
}

func (r *CasbinRule) columns() map[string]string {
	return map[string]string{"v0": r.V0, "v1": r.V1, "v2": r.V2}
}

func (r *CasbinRule) exact(q *bun.DeleteQuery) *bun.DeleteQuery {
	q = q.Where("ptype = ?", r.Ptype)
	for col, v := range r.columns() {
		q = q.Where("? = ?", bun.Ident(col), v)
	}
	return q
}

func (r *CasbinRule) String() string {
	return strings.Join(append([]string{r.Ptype}, r.Values()...), ", ")
}

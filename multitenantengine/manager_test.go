package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

var signalSchema = Schema{
	"academic": {
		"gpa":                   "number",
		"failing_classes_count": "number",
	},
	"latest_survey": {
		"wellness_score": "number",
	},
}

func academicRule(name string) *rules.Rule {
	return &rules.Rule{
		Name:     name,
		Category: rules.CategoryInterventionAlert,
		Condition: rules.Leaf(
			"academic.failing_classes_count", rules.OpGreaterThan, rules.Number(1),
		),
		OutputAction:  rules.ActionNotify,
		CooldownHours: 24,
		Active:        true,
	}
}

func TestCreateCELEnvFromSchema(t *testing.T) {
	env, err := CreateCELEnvFromSchema(signalSchema)
	if err != nil {
		t.Fatalf("Failed to create CEL env: %v", err)
	}

	ast, issues := env.Compile("academic.failing_classes_count * 2.0 + latest_survey.wellness_score")
	if issues != nil && issues.Err() != nil {
		t.Fatalf("Expected expression over schema categories to compile: %v", issues.Err())
	}
	if ast == nil {
		t.Fatal("Expected non-nil AST")
	}

	if _, issues := env.Compile("attendance.rate > 0.5"); issues == nil || issues.Err() == nil {
		t.Error("Expected undeclared category to fail compilation")
	}
}

func TestManager_CreateOrgInMemory(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)

	orgID, err := m.CreateOrg(ctx, "Lincoln High", signalSchema, nil)
	if err != nil {
		t.Fatalf("Failed to create org: %v", err)
	}
	if orgID == "" {
		t.Fatal("Expected generated org id")
	}

	oe, err := m.GetOrg(orgID)
	if err != nil {
		t.Fatalf("Failed to get org: %v", err)
	}
	if oe.Name != "Lincoln High" || oe.Engine.OrgID() != orgID {
		t.Errorf("Unexpected org engine: %+v", oe)
	}

	if got := m.ListOrgs(); len(got) != 1 || got[0] != orgID {
		t.Errorf("ListOrgs() = %v", got)
	}
}

func TestManager_CreateOrgRejectsInvalidSchema(t *testing.T) {
	m := NewManager(nil)

	if _, err := m.CreateOrg(context.Background(), "bad", Schema{"academic": {"gpa": "float"}}, nil); err == nil {
		t.Error("Expected invalid schema to be rejected")
	}
	if _, err := m.CreateOrg(context.Background(), "bad", signalSchema, []rules.DerivedField{
		{Name: "risk", Expression: "attendance.rate * 2"},
	}); err == nil {
		t.Error("Expected derived field over an unknown category to be rejected")
	}
	if len(m.ListOrgs()) != 0 {
		t.Error("Rejected orgs must not be loaded")
	}
}

func TestManager_GetEngineNotFound(t *testing.T) {
	m := NewManager(nil)

	_, err := m.GetEngine("missing")
	if !errors.Is(err, ErrOrgNotFound) {
		t.Errorf("Expected ErrOrgNotFound, got %v", err)
	}
	if err := m.UnloadOrg("missing"); !errors.Is(err, ErrOrgNotFound) {
		t.Errorf("Expected ErrOrgNotFound from UnloadOrg, got %v", err)
	}
	if err := m.UpdateOrgSchema(context.Background(), "missing", signalSchema, nil); !errors.Is(err, ErrOrgNotFound) {
		t.Errorf("Expected ErrOrgNotFound from UpdateOrgSchema, got %v", err)
	}
}

func TestManager_UpdateOrgSchemaKeepsRules(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)

	orgID, err := m.CreateOrg(ctx, "Lincoln High", signalSchema, nil)
	if err != nil {
		t.Fatalf("Failed to create org: %v", err)
	}
	before, _ := m.GetEngine(orgID)

	rule := academicRule("failing-classes")
	if err := before.AddRule(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	derived := []rules.DerivedField{
		{Name: "risk_score", Expression: "academic.failing_classes_count * 3.0"},
	}
	if err := m.UpdateOrgSchema(ctx, orgID, signalSchema, derived); err != nil {
		t.Fatalf("Failed to update schema: %v", err)
	}

	after, _ := m.GetEngine(orgID)
	if after == before {
		t.Fatal("Expected a new engine after schema update")
	}
	if got, err := after.GetRule(ctx, rule.ID); err != nil || got.Name != "failing-classes" {
		t.Errorf("Rule lost across schema update: %v, %v", got, err)
	}

	snapshot := after.PrepareSnapshot(rules.NewSnapshot(map[string]any{
		"academic": map[string]any{"failing_classes_count": 2.0},
	}))
	if v, found := snapshot.Resolve("derived.risk_score"); !found || v != float64(6) {
		t.Errorf("derived.risk_score = %v (found %v), want 6", v, found)
	}

	if len(before.DerivedFields()) != 0 {
		t.Error("Old engine must keep its own derived fields")
	}
}

func TestManager_UpdateOrgSchemaInvalidKeepsOldEngine(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)

	orgID, _ := m.CreateOrg(ctx, "Lincoln High", signalSchema, nil)
	before, _ := m.GetEngine(orgID)

	err := m.UpdateOrgSchema(ctx, orgID, signalSchema, []rules.DerivedField{
		{Name: "broken", Expression: "academic.gpa +"},
	})
	if err == nil {
		t.Fatal("Expected compile error for broken derived expression")
	}

	after, _ := m.GetEngine(orgID)
	if after != before {
		t.Error("Failed update must not replace the engine")
	}
}

func TestManager_OrgIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)

	orgA, _ := m.CreateOrg(ctx, "A", signalSchema, nil)
	orgB, _ := m.CreateOrg(ctx, "B", signalSchema, nil)

	engineA, _ := m.GetEngine(orgA)
	engineB, _ := m.GetEngine(orgB)

	rule := academicRule("a-only")
	if err := engineA.AddRule(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	if _, err := engineB.GetRule(ctx, rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Org B should not see org A's rule, got %v", err)
	}

	foreign := academicRule("foreign")
	foreign.OrgID = orgA
	if err := engineB.AddRule(ctx, foreign); err == nil {
		t.Error("Engine must reject rules owned by another org")
	}
}

func TestManager_EngineHook(t *testing.T) {
	var (
		mu    sync.Mutex
		built []string
	)
	m := NewManager(nil, WithEngineHook(func(e *rules.Engine) {
		mu.Lock()
		built = append(built, e.OrgID())
		mu.Unlock()
	}))

	orgID, _ := m.CreateOrg(context.Background(), "hooked", signalSchema, nil)
	_ = m.UpdateOrgSchema(context.Background(), orgID, signalSchema, nil)

	if len(built) != 2 || built[0] != orgID || built[1] != orgID {
		t.Errorf("hook calls = %v, want two for %s", built, orgID)
	}
}

func TestManager_StoreFactory(t *testing.T) {
	stores := map[string]*rules.InMemoryRuleStore{}
	m := NewManager(nil, WithStoreFactory(func(orgID string) rules.RuleStore {
		s := rules.NewInMemoryRuleStore()
		stores[orgID] = s
		return s
	}))

	if err := m.RegisterOrg("org-1", "Registered", signalSchema, nil); err != nil {
		t.Fatalf("RegisterOrg failed: %v", err)
	}
	engine, _ := m.GetEngine("org-1")
	if err := engine.AddRule(context.Background(), academicRule("r")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	listed, _ := stores["org-1"].List(context.Background())
	if len(listed) != 1 {
		t.Errorf("Expected factory store to hold 1 rule, got %d", len(listed))
	}
}

func TestManager_UnloadOrg(t *testing.T) {
	m := NewManager(nil)
	if err := m.RegisterOrg("org-1", "one", signalSchema, nil); err != nil {
		t.Fatalf("RegisterOrg failed: %v", err)
	}

	if err := m.UnloadOrg("org-1"); err != nil {
		t.Fatalf("UnloadOrg failed: %v", err)
	}
	if _, err := m.GetEngine("org-1"); !errors.Is(err, ErrOrgNotFound) {
		t.Errorf("Expected unloaded org to be gone, got %v", err)
	}
}

func TestManager_Concurrency(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)

	for i := 0; i < 5; i++ {
		if err := m.RegisterOrg(fmt.Sprintf("org-%d", i), "org", signalSchema, nil); err != nil {
			t.Fatalf("RegisterOrg failed: %v", err)
		}
	}

	snapshot := rules.NewSnapshot(map[string]any{
		"academic": map[string]any{"failing_classes_count": 3},
	})

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		orgID := fmt.Sprintf("org-%d", i%5)
		go func() {
			defer wg.Done()
			engine, err := m.GetEngine(orgID)
			if err != nil {
				errs <- err
				return
			}
			if _, err := engine.EvaluateAll(ctx, snapshot); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if err := m.UpdateOrgSchema(ctx, orgID, signalSchema, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}
}

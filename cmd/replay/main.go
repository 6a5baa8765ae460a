// Command replay evaluates a rule file against historical snapshots without
// consulting cooldowns or dispatching anything, and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulcrum-co/pulse-laravel-sub005/cooldown"
	"github.com/fulcrum-co/pulse-laravel-sub005/dispatch"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/awsclient"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/config"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/multitenantengine"
	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
	"github.com/fulcrum-co/pulse-laravel-sub005/runner"
)

type options struct {
	rulesPath       string
	snapshots       string
	schemaPath      string
	ruleIDs         []string
	includeInactive bool
	concurrency     int
}

func main() {
	var (
		opts    options
		ruleIDs string
		outPath string
	)
	flag.StringVar(&opts.rulesPath, "rules", "", "Rule file (.yaml, .yml or .json) (required)")
	flag.StringVar(&opts.snapshots, "snapshots", "", "Snapshot file, directory or s3://bucket/prefix (required)")
	flag.StringVar(&opts.schemaPath, "schema", "", "Signal schema JSON; inferred from the snapshots when empty")
	flag.StringVar(&ruleIDs, "rule", "", "Comma-separated rule IDs to replay (default: all)")
	flag.BoolVar(&opts.includeInactive, "include-inactive", false, "Replay inactive rules too")
	flag.IntVar(&opts.concurrency, "concurrency", runner.DefaultConcurrency, "Concurrent evaluations")
	flag.StringVar(&outPath, "out", "", "Write the report here instead of stdout")
	flag.Parse()

	for _, id := range strings.Split(ruleIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.ruleIDs = append(opts.ruleIDs, id)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			logger.Fatal("Failed to create output file", "path", outPath, "error", err)
		}
		defer f.Close()
		out = f
	}

	if err := run(ctx, opts, newSnapshotLoader(config.Load()), out); err != nil {
		logger.Fatal("Replay failed", "error", err)
	}
}

// snapshotLoader resolves the -snapshots argument to contacts.
type snapshotLoader func(ctx context.Context, location string) ([]runner.Contact, error)

func newSnapshotLoader(cfg *config.Config) snapshotLoader {
	return func(ctx context.Context, location string) ([]runner.Contact, error) {
		if !strings.HasPrefix(location, "s3://") {
			return loadLocal(location)
		}
		bucket, prefix, err := parseS3URL(location)
		if err != nil {
			return nil, err
		}
		clients, err := awsclient.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return loadS3(ctx, clients.S3, bucket, prefix)
	}
}

func run(ctx context.Context, opts options, load snapshotLoader, out io.Writer) error {
	if opts.rulesPath == "" || opts.snapshots == "" {
		return errors.New("-rules and -snapshots are required")
	}

	file, err := rules.LoadRuleFile(opts.rulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	orgID := file.OrgID
	if orgID == "" {
		orgID = "replay"
	}

	contacts, err := load(ctx, opts.snapshots)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	if len(contacts) == 0 {
		return errors.New("no snapshots found")
	}

	schema, err := loadSchema(opts.schemaPath, contacts)
	if err != nil {
		return err
	}

	engine, err := buildEngine(ctx, orgID, schema, file)
	if err != nil {
		return err
	}

	ruleSet, err := selectRules(ctx, engine, opts)
	if err != nil {
		return err
	}

	r, err := runner.New(cooldown.NewMemoryStore(), outcome.NewMemoryStore(), dispatch.New(),
		runner.WithConcurrency(opts.concurrency))
	if err != nil {
		return err
	}

	logger.Info("Replaying", "org_id", orgID, "rules", len(ruleSet), "contacts", len(contacts))
	report, err := r.Replay(ctx, orgID, ruleSet, runner.Prepare(engine, contacts), runner.ReplayOptions{})
	if err != nil && report == nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return encErr
	}
	return err
}

func loadSchema(path string, contacts []runner.Contact) (multitenantengine.Schema, error) {
	if path == "" {
		return inferSchema(contacts), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var schema multitenantengine.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := multitenantengine.ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// inferSchema declares every top-level object in the snapshots as a
// category so derived expressions can reference it.
func inferSchema(contacts []runner.Contact) multitenantengine.Schema {
	schema := multitenantengine.Schema{}
	for _, c := range contacts {
		for category, v := range c.Snapshot.Map() {
			fields, ok := v.(map[string]any)
			if !ok || category == rules.DerivedPrefix {
				continue
			}
			if schema[category] == nil {
				schema[category] = map[string]string{}
			}
			for field, fv := range fields {
				schema[category][field] = signalType(fv)
			}
		}
	}
	return schema
}

func signalType(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	}
	return "string"
}

func buildEngine(ctx context.Context, orgID string, schema multitenantengine.Schema, file *rules.RuleFile) (*rules.Engine, error) {
	env, err := multitenantengine.CreateCELEnvFromSchema(schema)
	if err != nil {
		return nil, err
	}
	engine, err := rules.NewEngineWithEnv(orgID, env, rules.NewInMemoryRuleStore())
	if err != nil {
		return nil, err
	}
	if err := engine.SetDerivedFields(file.Derived); err != nil {
		return nil, fmt.Errorf("derived fields: %w", err)
	}
	for _, rule := range file.Rules {
		rule.OrgID = orgID
		if err := engine.AddRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	return engine, nil
}

func selectRules(ctx context.Context, engine *rules.Engine, opts options) ([]*rules.Rule, error) {
	var (
		selected []*rules.Rule
		err      error
	)
	if len(opts.ruleIDs) > 0 {
		for _, id := range opts.ruleIDs {
			rule, err := engine.GetRule(ctx, id)
			if err != nil {
				return nil, err
			}
			selected = append(selected, rule)
		}
	} else if selected, err = engine.ListRules(ctx); err != nil {
		return nil, err
	}

	out := selected[:0]
	for _, rule := range selected {
		switch {
		case rule.Active:
		case opts.includeInactive || len(opts.ruleIDs) > 0:
			rule.Active = true
		default:
			continue
		}
		out = append(out, rule)
	}
	if len(out) == 0 {
		return nil, errors.New("no rules to replay")
	}
	return out, nil
}

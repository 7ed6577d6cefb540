package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/fds/internal/config"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/repository"
	"github.com/opensource-finance/fds/internal/rules"
)

// ruleFile is the YAML layout accepted by "rules import".
//
//	rules:
//	  - id: big-order
//	    expression: order.price > 1000.0
//	    action: BLOCK
//	    register_blocklist: true
//	    register_targets: user,device
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID                string `yaml:"id"`
	Reason            string `yaml:"reason"`
	Expression        string `yaml:"expression"`
	Action            string `yaml:"action"`
	Target            string `yaml:"target"`
	RegisterBlocklist bool   `yaml:"register_blocklist"`
	RegisterTargets   string `yaml:"register_targets"`
	Enabled           *bool  `yaml:"enabled"`
}

func (e ruleEntry) definition() *domain.RuleDefinition {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return &domain.RuleDefinition{
		ID:                e.ID,
		Reason:            e.Reason,
		Expression:        e.Expression,
		Action:            e.Action,
		Target:            e.Target,
		RegisterBlocklist: e.RegisterBlocklist,
		RegisterTargets:   e.RegisterTargets,
		Enabled:           enabled,
	}
}

// parseRuleFile decodes and compiles every rule in r. Duplicate IDs are rejected.
func parseRuleFile(r io.Reader, compiler *rules.Compiler) ([]*domain.RuleDefinition, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: rule file is empty", domain.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	seen := make(map[string]bool, len(f.Rules))
	defs := make([]*domain.RuleDefinition, 0, len(f.Rules))
	for i, entry := range f.Rules {
		def := entry.definition()
		if seen[def.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", domain.ErrInvalidInput, def.ID)
		}
		seen[def.ID] = true

		compiled, err := compiler.Compile(def)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		def.Target = string(compiled.Rule.Target)
		defs = append(defs, def)
	}
	return defs, nil
}

func openRepository() (*repository.SQLRepository, error) {
	cfg := config.Load()
	setupLogger(cfg.Logging)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	return repo, nil
}

func runRulesImport(ctx context.Context, path string, dryRun bool) error {
	compiler, err := rules.NewCompiler()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	defs, err := parseRuleFile(f, compiler)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("%d rules valid\n", len(defs))
		return nil
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	for _, def := range defs {
		if err := repo.SaveRule(ctx, def); err != nil {
			return fmt.Errorf("failed to save rule %s: %w", def.ID, err)
		}
		slog.Info("rule imported", "rule_id", def.ID, "target", def.Target, "enabled", def.Enabled)
	}
	fmt.Printf("%d rules imported\n", len(defs))
	return nil
}

func runRulesList(ctx context.Context, format string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	defs, err := repo.ListRules(ctx)
	if err != nil {
		return err
	}
	return printRules(os.Stdout, defs, format)
}

func printRules(w io.Writer, defs []*domain.RuleDefinition, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTARGET\tACTION\tENABLED\tEXPRESSION")
		for _, d := range defs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.ID, d.Target, domain.NormalizeAction(d.Action), d.Enabled, d.Expression)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("%w: unknown format %q", domain.ErrInvalidInput, format)
	}
}

package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"flowsentry/internal/netflow"
	"flowsentry/pkg/models"
)

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	rule  sigma.Rule
	eval  *sigmaevaluator.RuleEvaluator
	label string
}

// SigmaEngine evaluates Sigma rules against individual flow records. A
// matching rule contributes its title (or the rule's "flowsentry.tag.<x>"
// tag) as a flow label.
type SigmaEngine struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaEngine loads Sigma rules from a file or directory and compiles evaluators.
// Unsupported or complex rules are skipped and included in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isFlowCompatible(rule) {
			stats.SkippedDatasource++
			continue
		}
		if ok, _ := isSimpleSingleEventRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}

		label := tagFromRule(rule)
		if label == "" {
			stats.SkippedInvalid++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{
			rule:  rule,
			eval:  sigmaevaluator.ForRule(rule),
			label: label,
		})
		stats.Loaded++
	}

	return &SigmaEngine{rules: compiled, ctx: context.Background()}, stats, nil
}

// Len returns the number of compiled rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply evaluates all loaded rules and returns the labels of matched rules.
func (e *SigmaEngine) Apply(flow *models.FlowRecord) []string {
	if e == nil || flow == nil || len(e.rules) == 0 {
		return nil
	}

	event := sigmaEventFrom(flow)
	var out []string
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(e.ctx, event)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.label)
		}
	}
	return out
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// isFlowCompatible accepts rules without a logsource or with a network flow logsource.
func isFlowCompatible(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	category := strings.ToLower(strings.TrimSpace(rule.Logsource.Category))

	if product != "" && product != "netflow" {
		return false
	}
	switch category {
	case "", "network_connection", "firewall", "netflow":
		return true
	}
	return false
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

// sigmaEventFrom exposes flow fields under the names used by Sigma
// network_connection rules plus the flow's own field names.
func sigmaEventFrom(flow *models.FlowRecord) map[string]interface{} {
	proto := netflow.ProtocolName(flow.Protocol)
	return map[string]interface{}{
		"src_ip":          flow.SrcIP,
		"dst_ip":          flow.DstIP,
		"src_port":        int(flow.SrcPort),
		"dst_port":        int(flow.DstPort),
		"protocol":        int(flow.Protocol),
		"packets":         int64(flow.Packets),
		"bytes":           int64(flow.Bytes),
		"SourceIp":        flow.SrcIP,
		"DestinationIp":   flow.DstIP,
		"SourcePort":      int(flow.SrcPort),
		"DestinationPort": int(flow.DstPort),
		"Protocol":        strings.ToLower(proto),
	}
}

func tagFromRule(rule sigma.Rule) string {
	for _, raw := range rule.Tags {
		tag := strings.TrimSpace(raw)
		if strings.HasPrefix(strings.ToLower(tag), "flowsentry.tag.") {
			return sanitizeTag(tag[len("flowsentry.tag."):])
		}
	}
	return sanitizeTag(rule.Title)
}

func sanitizeTag(s string) string {
	s = strings.TrimSpace(s)
	s = tagUnsafe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

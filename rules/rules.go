// Package rules evaluates the configured regex rules against a parsed
// message. Header rules match any value of their header; body rules match
// any text part. Matches insert their symbol into the task result.
package rules

import (
	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/task"
)

// Engine implements task.RuleEngine over the static rule list.
type Engine struct {
	rules []config.RuleConfig
}

// New builds the rule engine from the loaded configuration. Patterns were
// already compiled into the shared cache during config validation.
func New(cfg *config.Config) *Engine {
	return &Engine{rules: cfg.Rules}
}

// Process runs every rule. Once the accumulated score reaches the reject
// threshold the remaining rules are skipped, unless the task carries the
// pass-all flag. Individual rule failures are absorbed.
func (e *Engine) Process(t *task.Task) error {
	required := t.Result().RequiredScore

	for _, rule := range e.rules {
		matched, err := e.match(t, rule)
		if err != nil {
			logger.Warn("rule evaluation failed",
				"scan_id", t.ScanID, "symbol", rule.Symbol, "error", err)
			continue
		}
		if !matched {
			continue
		}

		t.InsertResult(rule.Symbol, rule.Score)

		if required > 0 && t.Result().Score >= required && !t.Flags.Has(task.FlagPassAll) {
			logger.Debug("reject threshold reached, stopping rule evaluation",
				"scan_id", t.ScanID, "score", t.Result().Score)
			break
		}
	}

	return nil
}

func (e *Engine) match(t *task.Task, rule config.RuleConfig) (bool, error) {
	if rule.Header != "" {
		for _, value := range t.HeaderValues(rule.Header) {
			ok, err := e.matchInput(t, rule.Pattern, []byte(value))
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}

	for _, tp := range t.TextParts {
		ok, err := e.matchInput(t, rule.Pattern, tp.Content)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// matchInput goes through the task's memoizing regex runtime when one is
// attached, so repeated patterns over identical inputs are checked once
// per task.
func (e *Engine) matchInput(t *task.Task, pattern string, input []byte) (bool, error) {
	if t.ReRT != nil {
		return t.ReRT.Match(pattern, input)
	}
	re, err := t.Cfg.ReCache.Get(pattern)
	if err != nil {
		return false, err
	}
	return re.Match(input), nil
}

package stats

import (
	"fmt"
	"sort"
	"strings"
	"testing"
)

// RuleChecker compares a rendered stat (got) against an expected value.
type RuleChecker struct {
	name    string
	checker func(got, expected interface{}) bool
}

func int64EqTest(got, expected interface{}) bool {
	g, ok := got.(int64)
	if !ok {
		return false
	}
	switch e := expected.(type) {
	case int:
		return g == int64(e)
	case int64:
		return g == e
	}
	return false
}

func int64GTTest(got, expected interface{}) bool {
	g, ok := got.(int64)
	if !ok {
		return false
	}
	switch e := expected.(type) {
	case int:
		return g > int64(e)
	case int64:
		return g > e
	}
	return false
}

func floatGTTest(got, expected interface{}) bool {
	g, ok := got.(float64)
	e, ok2 := expected.(float64)
	return ok && ok2 && g > e
}

func doesNotExistTest(got, _ interface{}) bool {
	return got == nil
}

var (
	Int64EqTest      = RuleChecker{name: "Int64EqTest", checker: int64EqTest}
	Int64GTTest      = RuleChecker{name: "Int64GTTest", checker: int64GTTest}
	FloatGTTest      = RuleChecker{name: "FloatGTTest", checker: floatGTTest}
	DoesNotExistTest = RuleChecker{name: "DoesNotExistTest", checker: doesNotExistTest}
)

// Rule pairs a checker with the value it expects.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

// StatsOk reports whether every rule holds for stat, which must be backed by
// a Finagle registry. Failures are described in the returned message.
func StatsOk(stat StatsReceiver, rules map[string]Rule) (bool, string) {
	s, ok := stat.(*defaultStatsReceiver)
	if !ok {
		return false, fmt.Sprintf("cannot inspect %T", stat)
	}
	reg, ok := s.registry.(*finagleStatsRegistry)
	if !ok {
		return false, fmt.Sprintf("cannot inspect registry %T", s.registry)
	}
	rendered := reg.MarshalAll()

	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var failures []string
	for _, key := range keys {
		rule := rules[key]
		got := rendered[key]
		if rule.Checker.checker(got, rule.Value) {
			continue
		}
		if rule.Checker.name == DoesNotExistTest.name {
			failures = append(failures, fmt.Sprintf("%s: found stat entry when there should not be one", key))
		} else {
			failures = append(failures, fmt.Sprintf("%s: got %v, expected to pass %s with %v", key, got, rule.Checker.name, rule.Value))
		}
	}
	return len(failures) == 0, strings.Join(failures, "\n")
}

// VerifyStats fails t when any rule doesn't hold, printing the registry.
func VerifyStats(t testing.TB, stat StatsReceiver, rules map[string]Rule) {
	t.Helper()
	if ok, msg := StatsOk(stat, rules); !ok {
		t.Errorf("stats registry error:\n%s\nregistry:\n%s", msg, stat.Render(true))
	}
}

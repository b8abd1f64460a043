// Copyright 2024 The PlantPulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"math"
	"strconv"
	"strings"
)

// Deeper trees than this evaluate to false instead of risking the stack.
const maxDepth = 1000

// Evaluate reports whether the condition tree holds for the metrics map.
//
// It is total: for every tree and every metrics map it returns a boolean and
// never panics. Everything that cannot be decided affirmatively is false —
// groups with no children, unknown operators, parameters absent from the
// metrics, and NaN on either side of a comparison (including neq). Group
// children are evaluated in order with short-circuiting.
func Evaluate(c Condition, metrics map[string]float64) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return evaluate(c, metrics, 0)
}

func evaluate(c Condition, metrics map[string]float64, depth int) bool {
	if depth > maxDepth {
		return false
	}
	if !c.IsGroup() {
		return evaluateLeaf(c, metrics)
	}
	switch c.Operator {
	case OpAnd:
		if len(c.Conditions) == 0 {
			return false
		}
		for _, child := range c.Conditions {
			if !evaluate(child, metrics, depth+1) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Conditions {
			if evaluate(child, metrics, depth+1) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evaluateLeaf(c Condition, metrics map[string]float64) bool {
	actual, ok := metrics[c.Parameter]
	if !ok {
		return false
	}
	return compare(actual, c.Operator, c.Value)
}

// compare applies IEEE 754 ordering at double precision. NaN defeats every
// operator, deliberately including neq.
func compare(actual float64, op string, threshold float64) bool {
	if math.IsNaN(actual) || math.IsNaN(threshold) {
		return false
	}
	switch op {
	case CmpGT:
		return actual > threshold
	case CmpLT:
		return actual < threshold
	case CmpGTE:
		return actual >= threshold
	case CmpLTE:
		return actual <= threshold
	case CmpEQ:
		return actual == threshold
	case CmpNEQ:
		return actual != threshold
	default:
		return false
	}
}

// MatchedLeaves returns the leaves among the root's immediate children (or
// the root itself when it is a leaf) that individually hold for the metrics.
// Nested leaves are not descended into; they only contribute through the
// group verdict.
func MatchedLeaves(c Condition, metrics map[string]float64) []Condition {
	var matched []Condition
	if !c.IsGroup() {
		if evaluateLeaf(c, metrics) {
			matched = append(matched, c)
		}
		return matched
	}
	for _, child := range c.Conditions {
		if !child.IsGroup() && evaluateLeaf(child, metrics) {
			matched = append(matched, child)
		}
	}
	return matched
}

// Humanize renders the advisory alert message for a matched rule:
// "[<rule>] <parameter> (<actual>) <operator> <threshold> AND …" over the
// top-level matched leaves, or "[<rule>] conditions met" when the match came
// entirely from nested groups.
func Humanize(ruleName string, c Condition, metrics map[string]float64) string {
	leaves := MatchedLeaves(c, metrics)
	if len(leaves) == 0 {
		return "[" + ruleName + "] conditions met"
	}
	parts := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		parts = append(parts, formatLeaf(leaf, metrics[leaf.Parameter]))
	}
	return "[" + ruleName + "] " + strings.Join(parts, " AND ")
}

func formatLeaf(leaf Condition, actual float64) string {
	return leaf.Parameter + " (" + formatNumber(actual) + ") " + leaf.Operator + " " + formatNumber(leaf.Value)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

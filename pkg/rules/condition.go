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

// Package rules implements the pure core of the alerting engine: the boolean
// condition tree user-authored rules are made of, its evaluation against a
// metrics map, and the schedule gate restricting when a rule may fire.
//
// Nothing in this package performs I/O or keeps state. The engine package
// wires it to the stores and the job runner.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operators joining the children of a group node.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// Comparison operators understood at leaf nodes.
const (
	CmpGT  = "gt"
	CmpLT  = "lt"
	CmpGTE = "gte"
	CmpLTE = "lte"
	CmpEQ  = "eq"
	CmpNEQ = "neq"
)

// Condition is one node of a rule's condition tree. A node is either a group
// joining child conditions with AND/OR, or a leaf comparing one parameter
// against a threshold. The JSON form discriminates by the presence of the
// "conditions" member: decoded group nodes have a non-nil Conditions slice,
// leaves have a nil one. Trees nest to arbitrary depth.
type Condition struct {
	// Operator is AND or OR on a group node and one of the six comparison
	// operators on a leaf.
	Operator   string      `json:"operator"`
	Conditions []Condition `json:"conditions,omitempty"`

	Parameter string  `json:"parameter,omitempty"`
	Value     float64 `json:"value"`
}

// IsGroup reports whether the node joins child conditions rather than
// comparing a parameter.
func (c Condition) IsGroup() bool {
	return c.Conditions != nil
}

// Decode parses a stored condition tree.
func Decode(raw []byte) (Condition, error) {
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return Condition{}, fmt.Errorf("decoding condition tree: %w", err)
	}
	return c, nil
}

// Validate reports the first structural defect of a condition tree: an
// unknown operator or a leaf without a parameter. Evaluate treats such trees
// as non-matching either way; Validate exists so a broken rule surfaces in
// logs instead of silently never firing.
func Validate(c Condition) error {
	if c.IsGroup() {
		if c.Operator != OpAnd && c.Operator != OpOr {
			return fmt.Errorf("unknown group operator %q", c.Operator)
		}
		for _, child := range c.Conditions {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Parameter == "" {
		return errors.New("leaf condition missing parameter")
	}
	switch c.Operator {
	case CmpGT, CmpLT, CmpGTE, CmpLTE, CmpEQ, CmpNEQ:
		return nil
	default:
		return fmt.Errorf("unknown comparison operator %q on parameter %q", c.Operator, c.Parameter)
	}
}

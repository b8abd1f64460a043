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

package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestJSONColumnScan(t *testing.T) {
	var fm FloatMap
	if err := fm.Scan([]byte(`{"voltage":245.5}`)); err != nil {
		t.Fatalf("FloatMap.Scan: %v", err)
	}
	if diff := cmp.Diff(FloatMap{"voltage": 245.5}, fm); diff != "" {
		t.Fatalf("FloatMap mismatch (-want +got):\n%s", diff)
	}

	var bm BoolMap
	if err := bm.Scan(`{"email":true}`); err != nil {
		t.Fatalf("BoolMap.Scan from string: %v", err)
	}
	if !bm["email"] {
		t.Fatalf("BoolMap mismatch: %+v", bm)
	}

	var il IntList
	if err := il.Scan([]byte(`[1,2,3]`)); err != nil {
		t.Fatalf("IntList.Scan: %v", err)
	}
	if diff := cmp.Diff(IntList{1, 2, 3}, il); diff != "" {
		t.Fatalf("IntList mismatch (-want +got):\n%s", diff)
	}

	// NULL columns leave the destination nil.
	var nilMap FloatMap
	if err := nilMap.Scan(nil); err != nil || nilMap != nil {
		t.Fatalf("nil scan: err=%v map=%+v", err, nilMap)
	}
	if err := nilMap.Scan(42); err == nil {
		t.Fatal("scanning an int should fail")
	}
}

func TestJSONColumnValue(t *testing.T) {
	v, err := FloatMap{"voltage": 245.5}.Value()
	if err != nil {
		t.Fatalf("FloatMap.Value: %v", err)
	}
	if string(v.([]byte)) != `{"voltage":245.5}` {
		t.Fatalf("unexpected encoding: %s", v)
	}

	nv, err := FloatMap(nil).Value()
	if err != nil || nv != nil {
		t.Fatalf("nil map should encode as NULL, got %v err=%v", nv, err)
	}
}

// Copyright 2025 Stagehand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

// Order computes a topological ordering of steps over always/on_pass links.
// on_fail links are ignored for ordering since they represent error paths,
// not forward progress. Ties break by original step index. Cycles are
// permitted: when no step has zero remaining in-degree, the cycle member
// with the lowest original index is emitted next and its edges released.
//
// The ordering is used for display and for pending-step skeletons on
// recovery. Execution order is dynamic and decided by the executor.
func Order(steps []Step, links []Link) []Step {
	if len(steps) == 0 {
		return nil
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}

	indegree := make([]int, len(steps))
	adjacent := make([][]int, len(steps))
	for _, l := range links {
		if l.EffectiveCondition() == CondOnFail {
			continue
		}
		src, okSrc := index[l.SourceID]
		dst, okDst := index[l.TargetID]
		if !okSrc || !okDst || src == dst {
			continue
		}
		adjacent[src] = append(adjacent[src], dst)
		indegree[dst]++
	}

	emitted := make([]bool, len(steps))
	ordered := make([]Step, 0, len(steps))

	for len(ordered) < len(steps) {
		next := -1
		for i := range steps {
			if !emitted[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			// Cycle: emit the lowest-index remaining step.
			for i := range steps {
				if !emitted[i] {
					next = i
					break
				}
			}
		}

		emitted[next] = true
		ordered = append(ordered, steps[next])
		for _, dst := range adjacent[next] {
			if !emitted[dst] {
				indegree[dst]--
			}
		}
	}

	return ordered
}

// Copyright 2025 Tom Barlow
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

package watchdog

// State is the phase of a watchdog's loop.
type State int32

const (
	StateIdle State = iota
	StateReconciling
	StateWaiting
	StateShuttingDown
	StateFatal
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateReconciling:  "reconciling",
	StateWaiting:      "waiting",
	StateShuttingDown: "shutting_down",
	StateFatal:        "fatal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the loop has ended in this state.
func (s State) Terminal() bool {
	return s == StateShuttingDown || s == StateFatal
}

// Action is the reconciliation step taken for one observed module state.
type Action string

const (
	ActionNone     Action = "none"
	ActionCreate   Action = "create"
	ActionRecreate Action = "recreate"
	ActionStart    Action = "start"
	// ActionObserve covers a failed status query, before any action is chosen.
	ActionObserve Action = "observe"
)

package workflow

import "encoding/json"

// FoldState derives the StateT view from a workflow's initial state plus
// its event history, applying STATE_SET (key->value) and STATE_UPDATE
// (full replacement) in event order. Folding is pure: running it twice
// over the same prefix of history always yields the same result, which is
// what makes replay safe to re-run.
func FoldState(initial json.RawMessage, events []Event) (map[string]any, error) {
	state := map[string]any{}
	if len(initial) > 0 && string(initial) != "null" {
		if err := json.Unmarshal(initial, &state); err != nil {
			return nil, err
		}
	}
	for _, ev := range events {
		switch ev.Type {
		case EventStateSet:
			var p StateSetPayload
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			state[p.Key] = p.Value
		case EventStateUpdate:
			var p StateUpdatePayload
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			next := map[string]any{}
			if len(p.NewState) > 0 && string(p.NewState) != "null" {
				if err := json.Unmarshal(p.NewState, &next); err != nil {
					return nil, err
				}
			}
			state = next
		}
	}
	return state, nil
}

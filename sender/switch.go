package sender

// comboTracker detects the configured switch-key combination in a captured
// key event stream. The combo completes when every configured key is held
// at once; releasing any key resets partial progress. Progress is driven
// only by the single event-routing path, so no locking is needed.
type comboTracker struct {
	held map[uint16]bool
}

func newComboTracker(keys []uint16) *comboTracker {
	held := make(map[uint16]bool, len(keys))
	for _, k := range keys {
		held[k] = false
	}
	return &comboTracker{held: held}
}

// keys returns the configured switch-key codes.
func (t *comboTracker) keys() []uint16 {
	out := make([]uint16, 0, len(t.held))
	for k := range t.held {
		out = append(out, k)
	}
	return out
}

// handle processes one key event. consumed reports that the event is part
// of the switch combination and must not be forwarded to any peer;
// completed reports that this press completed the combination.
func (t *comboTracker) handle(code uint16, value int32) (consumed, completed bool) {
	if len(t.held) == 0 {
		return false, false
	}
	if _, tracked := t.held[code]; !tracked {
		return false, false
	}

	switch value {
	case 0:
		t.held[code] = false
		return true, false
	case 1:
		t.held[code] = true
		for _, down := range t.held {
			if !down {
				return true, false
			}
		}
		return true, true
	default:
		// Auto-repeat of a combo key: consumed, never completing.
		return true, false
	}
}

package subscription

import "reflect"

func deepEqualFallback(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// statusCache mirrors spec §3's StatusCache: object-name -> {field-name ->
// last-seen value}. It is only ever touched while the engine holds its
// subscribe mutex or from the single status-update delivery path, so it
// carries no lock of its own (matching spec §5's single-threaded
// cooperative model for protocol state).
type statusCache struct {
	objects map[string]map[string]any
}

func newStatusCache() *statusCache {
	return &statusCache{objects: make(map[string]map[string]any)}
}

// diffMerge updates the cache with snapshot, returning the subset of
// fields whose values are new or changed (spec §4.5 step 5: "compute the
// diff against the cache per object/field; update the cache"). Fields
// named in excluded[obj] are neither stored in the cache nor reported in
// the diff, per spec §4.5's "exclusion set" rule.
func (c *statusCache) diffMerge(snapshot map[string]map[string]any, excluded map[string]map[string]bool) map[string]map[string]any {
	diff := make(map[string]map[string]any)

	for obj, fields := range snapshot {
		existing := c.objects[obj]
		if existing == nil {
			existing = make(map[string]any)
			c.objects[obj] = existing
		}
		objExcluded := excluded[obj]
		for field, value := range fields {
			if objExcluded[field] {
				// Per spec §4.5 step 5, excluded fields are never
				// retained in the cache, only returned to the caller
				// that directly requested them (handled by project()
				// against the raw snapshot, not the cache).
				continue
			}
			prev, had := existing[field]
			existing[field] = value
			if !had || !equalValue(prev, value) {
				if diff[obj] == nil {
					diff[obj] = make(map[string]any)
				}
				diff[obj][field] = value
			}
		}
	}

	// Drop cached objects absent from the new snapshot (spec §4.5 step 5:
	// "for each cached object not in the new snapshot, drop it").
	for obj := range c.objects {
		if _, present := snapshot[obj]; !present {
			delete(c.objects, obj)
		}
	}

	return diff
}

// merge folds snapshot into the cache without pruning any object absent
// from it, per original_source/moonraker/components/klippy_connection.py's
// `_process_status_update` (`self.subscription_cache.setdefault(field,
// {}).update(item)`): the ongoing notify_status_update path only ever
// carries the objects/fields Klipper considers changed, so the cache must
// accumulate across calls rather than collapse to whatever a single
// partial push happened to contain. Used by PushStatus; Subscribe's
// initial full snapshot still goes through diffMerge.
func (c *statusCache) merge(snapshot map[string]map[string]any, excluded map[string]map[string]bool) {
	for obj, fields := range snapshot {
		existing := c.objects[obj]
		if existing == nil {
			existing = make(map[string]any)
			c.objects[obj] = existing
		}
		objExcluded := excluded[obj]
		for field, value := range fields {
			if objExcluded[field] {
				continue
			}
			existing[field] = value
		}
	}
}

// snapshot returns a copy of the full cache. Excluded fields never enter
// the cache, so the copy holds none of them and callers that reconstruct a
// response cannot leak excluded values back out (they are still returned
// to the *original* caller per spec §4.5 step 5; this copy is for internal
// re-projection only).
func (c *statusCache) snapshot() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.objects))
	for obj, fields := range c.objects {
		copied := make(map[string]any, len(fields))
		for f, v := range fields {
			copied[f] = v
		}
		out[obj] = copied
	}
	return out
}

// equalValue is a shallow equality check sufficient for the JSON-decoded
// scalar/slice/map values status fields carry; reflect.DeepEqual would
// also work but a direct comparison avoids reflection for the common
// scalar case and falls back to DeepEqual only when needed.
func equalValue(a, b any) bool {
	switch av := a.(type) {
	case string, bool, int64, float64, nil:
		return av == b
	default:
		return deepEqualFallback(a, b)
	}
}

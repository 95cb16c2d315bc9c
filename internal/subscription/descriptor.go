// Package subscription implements the per-client field subscription engine
// of spec §4.5: a subscription table, a status cache with diffing, and the
// single subscribe-mutex serializing the "subscribe" operation. Grounded in
// original_source/moonraker/components/database.py's nested-dict
// reduce/diff helpers for the field-union and diff logic, in spec.md itself
// for the eight-step subscribe algorithm, and structurally on the
// teacher's internal/rpc/cache.go (a mutex-guarded map keyed by a logical
// name with get/set/invalidate methods).
package subscription

// ObjectFields maps an object name to its allow-list of field names. A nil
// slice value means "all fields" (spec §3: "null allow-list means 'all
// fields'").
type ObjectFields map[string][]string

// Descriptor is one handle's subscription request, per spec §3's
// SubscriptionTable: "object-name -> optional allow-list of field names".
type Descriptor struct {
	Objects ObjectFields
}

// allFields is the sentinel stored in a merged union to mean "no field
// filter for this object", distinct from an empty-but-non-nil slice.
var allFields []string // always nil; named for readability at call sites

// union computes the field-union across descriptors for a single object
// per spec §4.5 step 3: "field union per object; any null allow-list
// dominates that object to 'all fields'".
func union(descriptors []Descriptor) ObjectFields {
	merged := make(ObjectFields)
	seenAll := make(map[string]bool)

	for _, d := range descriptors {
		for obj, fields := range d.Objects {
			if seenAll[obj] {
				continue
			}
			if fields == nil {
				merged[obj] = allFields
				seenAll[obj] = true
				continue
			}
			existing := merged[obj]
			merged[obj] = mergeFieldLists(existing, fields)
		}
	}
	return merged
}

func mergeFieldLists(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, f := range a {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range b {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// fieldAllowed reports whether field passes the descriptor's allow-list for
// object obj. A missing object entry means the caller did not ask for obj
// at all.
func (d Descriptor) fieldAllowed(obj, field string) bool {
	fields, ok := d.Objects[obj]
	if !ok {
		return false
	}
	if fields == nil {
		return true
	}
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

// wantsObject reports whether the descriptor subscribed to obj at all.
func (d Descriptor) wantsObject(obj string) bool {
	_, ok := d.Objects[obj]
	return ok
}

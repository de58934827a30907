package reconcile

import (
	"fmt"
	"sort"
	"strings"
)

// ParseIdentity tags a raw identity string: anything containing '@' is
// treated as an email address, everything else as a bare netid.
func ParseIdentity(raw string) Identity {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		return Identity{Kind: EmailKeyed, Value: raw}
	}
	return Identity{Kind: NetIDKeyed, Value: raw}
}

// Handle returns the normalized roster handle for the identity. An address
// typed into a netid field is cut at '@' like any other; Kind only records
// which column the value came from.
func (id Identity) Handle() string {
	v := strings.TrimSpace(id.Value)
	if i := strings.IndexByte(v, '@'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(v)
}

// NormalizeHandle maps a bare handle or handle@domain to the lower-case
// handle. Matching after this step is exact.
func NormalizeHandle(raw string) string {
	return ParseIdentity(raw).Handle()
}

// index is a read-only lookup over a validated roster.
type index struct {
	byHandle map[string]StudentRecord
	handles  []string // sorted
}

func newIndex(roster Roster) (*index, error) {
	if len(roster) == 0 {
		return nil, configErr("roster", "empty")
	}
	ix := &index{byHandle: make(map[string]StudentRecord, len(roster))}
	ids := make(map[int64]struct{}, len(roster))
	for _, s := range roster {
		h := NormalizeHandle(s.Handle)
		if h == "" {
			return nil, configErr("roster", "student "+s.DisplayName+" has no handle")
		}
		if _, dup := ix.byHandle[h]; dup {
			return nil, configErr("roster", "duplicate handle "+h)
		}
		if _, dup := ids[s.ID]; dup {
			return nil, configErr("roster", "duplicate id for handle "+h)
		}
		ids[s.ID] = struct{}{}
		s.Handle = h
		ix.byHandle[h] = s
		ix.handles = append(ix.handles, h)
	}
	sort.Strings(ix.handles)
	return ix, nil
}

// resolve returns the roster record for a raw identity.
func (ix *index) resolve(id Identity) (StudentRecord, bool) {
	s, ok := ix.byHandle[id.Handle()]
	return s, ok
}

// Lookup finds the student a raw identity refers to.
func (r Roster) Lookup(raw string) (StudentRecord, error) {
	h := NormalizeHandle(raw)
	for _, s := range r {
		if NormalizeHandle(s.Handle) == h {
			return s, nil
		}
	}
	return StudentRecord{}, fmt.Errorf("%w: %q", ErrUnresolvedIdentity, raw)
}

package reconcile

import (
	"regexp"
	"strconv"

	"calsync/internal/model"
)

// KeyKind names the identity tier that produced a match.
type KeyKind int

const (
	KeyNone KeyKind = iota
	// KeyEmbedded is the local id this system stamped into titles it pushed
	// to the source, e.g. "[42] Meeting".
	KeyEmbedded
	// KeyExternal is the source's own event identifier.
	KeyExternal
	// KeyContent is the (start, end, title) fallback.
	KeyContent
)

func (k KeyKind) String() string {
	switch k {
	case KeyEmbedded:
		return "embedded-id"
	case KeyExternal:
		return "external-id"
	case KeyContent:
		return "content-key"
	default:
		return "none"
	}
}

// IdentityKey is one way a raw record may name a stored event. Exactly one
// of LocalID, External or Content is meaningful, selected by Kind.
type IdentityKey struct {
	Kind     KeyKind
	LocalID  int64
	External string
	Content  string
}

var embeddedIDPattern = regexp.MustCompile(`^\[(\d+)\]`)

// EmbeddedID extracts a leading bracketed numeric token from title.
func EmbeddedID(title string) (int64, bool) {
	m := embeddedIDPattern.FindStringSubmatch(title)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ContentKey builds the fallback identity for events without identifiers.
func ContentKey(start, end, title string) string {
	return start + "|" + end + "|" + title
}

// KeysFor returns every identity key a raw record carries, strongest first.
func KeysFor(raw model.RawRecord) []IdentityKey {
	keys := make([]IdentityKey, 0, 3)
	if id, ok := EmbeddedID(raw.Title); ok {
		keys = append(keys, IdentityKey{Kind: KeyEmbedded, LocalID: id})
	}
	if ext := model.StringValue(raw.ExternalID); ext != "" {
		keys = append(keys, IdentityKey{Kind: KeyExternal, External: ext})
	}
	keys = append(keys, IdentityKey{Kind: KeyContent, Content: ContentKey(raw.Start, raw.End, raw.Title)})
	return keys
}

// Resolver matches raw records against the stored events of one
// (subject, date) partition. Each candidate matches at most one raw record.
type Resolver struct {
	candidates []model.Event
	used       []bool

	byID       map[int64]int
	byExternal map[string][]int
	byContent  map[string][]int
}

// NewResolver indexes candidates. The slice order is kept as the tie-break
// when several candidates share an external id or content key.
func NewResolver(candidates []model.Event) *Resolver {
	r := &Resolver{
		candidates: candidates,
		used:       make([]bool, len(candidates)),
		byID:       make(map[int64]int, len(candidates)),
		byExternal: make(map[string][]int),
		byContent:  make(map[string][]int, len(candidates)),
	}
	for i, ev := range candidates {
		r.byID[ev.ID] = i
		if ext := model.StringValue(ev.ExternalID); ext != "" {
			r.byExternal[ext] = append(r.byExternal[ext], i)
		}
		ck := ContentKey(ev.Start, ev.End, ev.Title)
		r.byContent[ck] = append(r.byContent[ck], i)
	}
	return r
}

// Resolve returns the stored event matched by raw and consumes it.
func (r *Resolver) Resolve(raw model.RawRecord) (model.Event, KeyKind, bool) {
	for _, key := range KeysFor(raw) {
		if idx, ok := r.lookup(key); ok {
			r.used[idx] = true
			return r.candidates[idx], key.Kind, true
		}
	}
	return model.Event{}, KeyNone, false
}

func (r *Resolver) lookup(key IdentityKey) (int, bool) {
	switch key.Kind {
	case KeyEmbedded:
		idx, ok := r.byID[key.LocalID]
		if !ok || r.used[idx] {
			return 0, false
		}
		return idx, true
	case KeyExternal:
		return r.firstUnused(r.byExternal[key.External])
	case KeyContent:
		return r.firstUnused(r.byContent[key.Content])
	}
	return 0, false
}

func (r *Resolver) firstUnused(idxs []int) (int, bool) {
	for _, idx := range idxs {
		if !r.used[idx] {
			return idx, true
		}
	}
	return 0, false
}

// Remaining lists candidates never matched, in their original order.
func (r *Resolver) Remaining() []model.Event {
	var out []model.Event
	for i, ev := range r.candidates {
		if !r.used[i] {
			out = append(out, ev)
		}
	}
	return out
}

package domain

// MatchFunc decides whether a pending transaction claims an inbound envelope.
type MatchFunc func(*Envelope) bool

// Fingerprint is a typed reply pattern: an envelope matches when every field
// set on the fingerprint is present on the envelope with an equal value.
// Zero fields are wildcards. This replaces ad-hoc subset comparison of raw
// maps with an explicit projection of the fields callers care about.
type Fingerprint struct {
	Transaction string
	Kinds       []string
	Sender      uint64
}

// Match reports whether env satisfies every constrained field.
func (f Fingerprint) Match(env *Envelope) bool {
	if f.Transaction != "" && env.Transaction != f.Transaction {
		return false
	}
	if f.Sender != 0 && env.OwnerHandle() != f.Sender {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if env.Janus == k {
			return true
		}
	}
	return false
}

// AnyOf combines predicates; the result matches when any of them does.
func AnyOf(matchers ...MatchFunc) MatchFunc {
	return func(env *Envelope) bool {
		for _, m := range matchers {
			if m(env) {
				return true
			}
		}
		return false
	}
}

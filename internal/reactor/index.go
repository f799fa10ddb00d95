package reactor

import (
	"strings"

	"github.com/aioslab/aios/internal/event"
)

// catalogIndex narrows trigger matching so dispatch never walks the whole
// catalog. Playbooks without a message keyword are bucketed by their
// pattern's leading literal segments (the full type for literal patterns);
// keyword playbooks live in a substring table consulted against the event
// message. The full predicate still runs on every candidate; the index only
// prunes.
type catalogIndex struct {
	ordered  []*Playbook
	ids      map[string]*Playbook
	exact    map[string][]*Playbook // literal pattern -> playbooks
	prefix   map[string][]*Playbook // wildcard pattern's literal lead -> playbooks
	root     []*Playbook            // patterns starting with a wildcard
	keywords map[string][]*Playbook // lowercased message_contains -> playbooks
}

func buildIndex(cat *Catalog) *catalogIndex {
	idx := &catalogIndex{
		ids:      make(map[string]*Playbook),
		exact:    make(map[string][]*Playbook),
		prefix:   make(map[string][]*Playbook),
		keywords: make(map[string][]*Playbook),
	}
	if cat == nil {
		return idx
	}
	for _, pb := range cat.Playbooks {
		idx.ordered = append(idx.ordered, pb)
		idx.ids[pb.ID] = pb
		if kw := strings.ToLower(pb.Trigger.MessageContains); kw != "" {
			// A keyword trigger can only match an event carrying the
			// substring, so the keyword table alone routes it.
			idx.keywords[kw] = append(idx.keywords[kw], pb)
			continue
		}
		pat := pb.Trigger.EventPattern
		if !strings.ContainsRune(pat, '*') {
			idx.exact[pat] = append(idx.exact[pat], pb)
			continue
		}
		if lead := literalLead(pat); lead != "" {
			idx.prefix[lead] = append(idx.prefix[lead], pb)
		} else {
			idx.root = append(idx.root, pb)
		}
	}
	return idx
}

// literalLead returns the dotted segments before the first wildcard.
func literalLead(pattern string) string {
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		if strings.ContainsRune(s, '*') {
			return strings.Join(segs[:i], ".")
		}
	}
	return pattern
}

// candidates returns the short list of playbooks whose trigger could match
// e: the exact bucket for its type, the prefix buckets along its segments,
// wildcard-rooted patterns, and any keyword playbooks whose substring occurs
// in the message.
func (idx *catalogIndex) candidates(e *event.Event) []*Playbook {
	out := append([]*Playbook(nil), idx.exact[e.Type]...)
	out = append(out, idx.root...)
	for i := 0; i < len(e.Type); i++ {
		if e.Type[i] == '.' {
			out = append(out, idx.prefix[e.Type[:i]]...)
		}
	}
	out = append(out, idx.prefix[e.Type]...)

	if len(idx.keywords) > 0 {
		if msg := strings.ToLower(e.Message()); msg != "" {
			for kw, pbs := range idx.keywords {
				if strings.Contains(msg, kw) {
					out = append(out, pbs...)
				}
			}
		}
	}
	return out
}

func (idx *catalogIndex) lookup(id string) *Playbook { return idx.ids[id] }

// all returns playbooks in catalog order.
func (idx *catalogIndex) all() []*Playbook { return idx.ordered }

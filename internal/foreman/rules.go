package foreman

import (
	"fmt"
	"strings"

	"fleetledger/internal/model"
)

// ClientRule decides whether a hunt targets a client.
type ClientRule interface {
	Matches(client *model.Client, labels []string) bool
	String() string
}

// MatchAll targets every client.
type MatchAll struct{}

func (MatchAll) Matches(*model.Client, []string) bool { return true }
func (MatchAll) String() string                     { return "all" }

// LabelRule targets clients carrying any of Labels.
type LabelRule struct {
	Labels []string
}

func (r LabelRule) Matches(_ *model.Client, labels []string) bool {
	for _, want := range r.Labels {
		for _, have := range labels {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

func (r LabelRule) String() string { return "label:" + strings.Join(r.Labels, ",") }

// ClientIDRule targets an explicit set of clients.
type ClientIDRule struct {
	IDs []model.ClientID
}

func (r ClientIDRule) Matches(c *model.Client, _ []string) bool {
	for _, id := range r.IDs {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (r ClientIDRule) String() string {
	ids := make([]string, len(r.IDs))
	for i, id := range r.IDs {
		ids[i] = id.String()
	}
	return "client:" + strings.Join(ids, ",")
}

// Not inverts a rule.
type Not struct {
	Rule ClientRule
}

func (r Not) Matches(c *model.Client, labels []string) bool { return !r.Rule.Matches(c, labels) }
func (r Not) String() string                                { return "!" + r.Rule.String() }

// All matches when every rule matches.
type All []ClientRule

func (rs All) Matches(c *model.Client, labels []string) bool {
	for _, r := range rs {
		if !r.Matches(c, labels) {
			return false
		}
	}
	return true
}

func (rs All) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ";")
}

// ParseClientRule parses a hunt's client rule.
//
//	""  or "all"           every client
//	"label:a,b"            clients labelled a or b
//	"client:C.01,C.02"     the listed clients
//	"!label:test"          negation of a term
//	"label:linux;!label:x" terms separated by ";" must all match
func ParseClientRule(s string) (ClientRule, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return MatchAll{}, nil
	}

	var rules All
	for _, term := range strings.Split(s, ";") {
		r, err := parseTerm(strings.TrimSpace(term))
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if len(rules) == 1 {
		return rules[0], nil
	}
	return rules, nil
}

func parseTerm(term string) (ClientRule, error) {
	if rest, ok := strings.CutPrefix(term, "!"); ok {
		r, err := parseTerm(strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		return Not{Rule: r}, nil
	}
	if term == "all" {
		return MatchAll{}, nil
	}

	kind, values, ok := strings.Cut(term, ":")
	if !ok {
		return nil, fmt.Errorf("invalid client rule term %q: want kind:values", term)
	}
	list := splitList(values)
	if len(list) == 0 {
		return nil, fmt.Errorf("invalid client rule term %q: no values", term)
	}

	switch kind {
	case "label":
		return LabelRule{Labels: list}, nil
	case "client":
		ids := make([]model.ClientID, 0, len(list))
		for _, v := range list {
			id, err := model.ParseClientID(v)
			if err != nil {
				return nil, fmt.Errorf("invalid client rule term %q: %w", term, err)
			}
			ids = append(ids, id)
		}
		return ClientIDRule{IDs: ids}, nil
	}
	return nil, fmt.Errorf("unknown client rule kind %q", kind)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

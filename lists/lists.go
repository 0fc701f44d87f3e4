// Package lists holds the read-only per-list configuration the engine
// consumes: which rule chain and handler pipeline apply to a list's
// traffic, its moderation knobs and its delivery membership.
//
// Definitions come from an external collaborator, either inline in the
// TOML configuration or from a Postgres table. They are loaded into an
// immutable Registry snapshot at runner start (and on the reload
// signal), never mutated mid-run.
package lists

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
)

// LinkSpec is one (rule, action) pair of a chain, as plain data. The
// chain package compiles specs against its rule registry.
type LinkSpec struct {
	Rule   string
	Action string
}

// List is the engine's view of one mailing list.
type List struct {
	Name           string
	Address        string
	Owner          string
	SubjectPrefix  string
	MaxMessageSize int64
	Emergency      bool
	Archive        bool
	Digest         bool
	BannedSenders  []string
	Suspicious     *regexp.Regexp // nil when unset
	SieveScript    string
	Members        []string

	// Chain and Pipeline name the list's processing; empty means the
	// engine defaults.
	Chain    []LinkSpec
	Pipeline []string
}

// OwnerAddress returns the address notices are sent from and bounces
// return to: the configured owner, else <local>-owner@<domain>.
func (l *List) OwnerAddress() string {
	if l.Owner != "" {
		return l.Owner
	}
	at := strings.LastIndex(l.Address, "@")
	if at <= 0 {
		return l.Address
	}
	return l.Address[:at] + "-owner" + l.Address[at:]
}

// IsBanned reports whether sender matches the list's banned-senders
// set. Entries starting with "@" ban a whole domain.
func (l *List) IsBanned(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, banned := range l.BannedSenders {
		banned = strings.ToLower(strings.TrimSpace(banned))
		if banned == "" {
			continue
		}
		if strings.HasPrefix(banned, "@") {
			if strings.HasSuffix(sender, banned) {
				return true
			}
			continue
		}
		if sender == banned {
			return true
		}
	}
	return false
}

// Registry is an immutable snapshot of all known lists.
type Registry struct {
	byName    map[string]*List
	byAddress map[string]*List
}

// Get looks a list up by its stable name.
func (r *Registry) Get(name string) (*List, error) {
	if l, ok := r.byName[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s", consts.ErrListUnknown, name)
}

// GetByAddress looks a list up by its posting address (lowercased).
func (r *Registry) GetByAddress(address string) (*List, error) {
	if l, ok := r.byAddress[strings.ToLower(strings.TrimSpace(address))]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: address %s", consts.ErrListUnknown, address)
}

// Names returns all list names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Len returns the number of lists in the snapshot.
func (r *Registry) Len() int {
	return len(r.byName)
}

// NewRegistry compiles raw list definitions into a snapshot. Definitions
// with an invalid suspicious pattern are rejected, not silently skipped.
func NewRegistry(defs []config.ListConfig) (*Registry, error) {
	r := &Registry{
		byName:    make(map[string]*List, len(defs)),
		byAddress: make(map[string]*List, len(defs)),
	}
	for i := range defs {
		def := &defs[i]
		if def.Name == "" || def.Address == "" {
			return nil, fmt.Errorf("list definition %d: name and address must be set", i)
		}
		l := &List{
			Name:           def.Name,
			Address:        strings.ToLower(def.Address),
			Owner:          def.Owner,
			SubjectPrefix:  def.SubjectPrefix,
			MaxMessageSize: def.MaxMessageSize,
			Emergency:      def.Emergency,
			Archive:        def.Archive,
			Digest:         def.Digest,
			BannedSenders:  append([]string(nil), def.BannedSenders...),
			SieveScript:    def.SieveScript,
			Members:        append([]string(nil), def.Members...),
			Pipeline:       append([]string(nil), def.Pipeline...),
		}
		if def.Suspicious != "" {
			re, err := regexp.Compile(def.Suspicious)
			if err != nil {
				return nil, fmt.Errorf("list %s: invalid suspicious pattern: %w", def.Name, err)
			}
			l.Suspicious = re
		}
		for _, link := range def.Chain {
			l.Chain = append(l.Chain, LinkSpec{Rule: link.Rule, Action: link.Action})
		}
		if _, dup := r.byName[l.Name]; dup {
			return nil, fmt.Errorf("duplicate list name %q", l.Name)
		}
		r.byName[l.Name] = l
		r.byAddress[l.Address] = l
	}
	return r, nil
}

// Source loads a registry snapshot. Implementations must be safe to
// call repeatedly; each call returns a fresh snapshot.
type Source interface {
	Load(ctx context.Context) (*Registry, error)
}

// StaticSource builds registries from inline configuration.
type StaticSource struct {
	Defs []config.ListConfig
}

func (s *StaticSource) Load(ctx context.Context) (*Registry, error) {
	return NewRegistry(s.Defs)
}

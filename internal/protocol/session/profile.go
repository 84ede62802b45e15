package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StartRequest describes a peer's request to open a channel with a profile.
type StartRequest struct {
	URI        string
	ServerName string
	// Data is the decoded piggyback content, if any.
	Data string
}

// Profile is the local implementation of one profile URI.
//
// StartChannel runs when the peer opens a channel with the profile. It may
// set the channel's request handler and return content for the profile
// reply; a returned error refuses the channel. CloseChannel runs before a
// local close is sent and before a peer close is accepted; a returned error
// vetoes the close.
type Profile interface {
	URI() string
	StartChannel(ch *Channel, req StartRequest) (string, error)
	CloseChannel(ch *Channel) error
}

// HandlerProfile is a Profile that installs a fixed request handler on every
// channel and never vetoes a close.
type HandlerProfile struct {
	ProfileURI string
	Handler    Handler
	// OnStart, when set, supplies the profile reply content.
	OnStart func(ch *Channel, req StartRequest) (string, error)
}

func NewProfile(uri string, h Handler) *HandlerProfile {
	return &HandlerProfile{ProfileURI: uri, Handler: h}
}

func (p *HandlerProfile) URI() string { return p.ProfileURI }

func (p *HandlerProfile) StartChannel(ch *Channel, req StartRequest) (string, error) {
	ch.SetRequestHandler(p.Handler)
	if p.OnStart != nil {
		return p.OnStart(ch, req)
	}
	return "", nil
}

func (p *HandlerProfile) CloseChannel(*Channel) error { return nil }

// ProfileRegistry stores profiles by URI. It is safe for concurrent use and
// may be shared by many sessions.
type ProfileRegistry struct {
	mu    sync.RWMutex
	items map[string]Profile
}

func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{items: make(map[string]Profile)}
}

// ValidateURI checks that uri can be advertised in a greeting.
func ValidateURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidProfile)
	}
	if uri != strings.TrimSpace(uri) || strings.ContainsAny(uri, " \t\r\n'\"<>&") {
		return fmt.Errorf("%w: invalid uri %q", ErrInvalidProfile, uri)
	}
	return nil
}

// Register adds p. A URI may be registered once.
func (r *ProfileRegistry) Register(p Profile) error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", ErrInvalidProfile)
	}
	uri := p.URI()
	if err := ValidateURI(uri); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[uri]; ok {
		return fmt.Errorf("%w: %s", ErrProfileExists, uri)
	}
	r.items[uri] = p
	return nil
}

func (r *ProfileRegistry) Unregister(uri string) {
	r.mu.Lock()
	delete(r.items, uri)
	r.mu.Unlock()
}

// Lookup returns the profile for uri or nil.
func (r *ProfileRegistry) Lookup(uri string) Profile {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items[uri]
}

// URIs returns registered URIs in sorted order.
func (r *ProfileRegistry) URIs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	list := make([]string, 0, len(r.items))
	for uri := range r.items {
		list = append(list, uri)
	}
	r.mu.RUnlock()
	sort.Strings(list)
	return list
}

package models

import (
	"sort"
	"time"
)

// Subscription is a connected broadcast client's symbol filter. A new
// client receives every symbol until it subscribes to specific ones; a
// filter emptied by unsubscribing receives nothing.
type Subscription struct {
	ClientID     string          `json:"client_id"`
	AllSymbols   bool            `json:"all_symbols"`
	SymbolFilter map[string]bool `json:"-"`
	ConnectedAt  time.Time       `json:"connected_at"`
}

// NewSubscription creates an unfiltered subscription for a new client.
func NewSubscription(clientID string, now time.Time) *Subscription {
	return &Subscription{ClientID: clientID, AllSymbols: true, SymbolFilter: make(map[string]bool), ConnectedAt: now}
}

// All reports whether the client is subscribed to every symbol.
func (s *Subscription) All() bool {
	return s.AllSymbols
}

// Subscribe narrows the subscription to the named symbols, adding to any
// already chosen. An empty list or "*" restores every symbol.
func (s *Subscription) Subscribe(symbols []string) {
	if len(symbols) == 0 {
		s.AllSymbols = true
		s.SymbolFilter = make(map[string]bool)
		return
	}
	for _, sym := range symbols {
		if sym == "*" {
			s.AllSymbols = true
			s.SymbolFilter = make(map[string]bool)
			return
		}
	}
	s.AllSymbols = false
	for _, sym := range symbols {
		if sym != "" {
			s.SymbolFilter[sym] = true
		}
	}
}

// Unsubscribe drops the named symbols, or every symbol when the list is
// empty. Dropping a symbol from an unfiltered subscription has no effect.
func (s *Subscription) Unsubscribe(symbols []string) {
	if len(symbols) == 0 {
		s.AllSymbols = false
		s.SymbolFilter = make(map[string]bool)
		return
	}
	for _, sym := range symbols {
		delete(s.SymbolFilter, sym)
	}
}

// Matches reports whether a record for symbol should be delivered.
func (s *Subscription) Matches(symbol string) bool {
	return s.AllSymbols || s.SymbolFilter[symbol]
}

// Symbols returns the sorted filter.
func (s *Subscription) Symbols() []string {
	out := make([]string, 0, len(s.SymbolFilter))
	for sym := range s.SymbolFilter {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

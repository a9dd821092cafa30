package ratelimit

import (
	"sort"
	"strings"
)

// Reason records which rule picked the limiter.
type Reason string

const (
	ReasonEndpoint Reason = "endpoint"
	ReasonPrefix   Reason = "prefix"
	ReasonTier     Reason = "tier"
	ReasonDefault  Reason = "default"
)

// PathRule maps an exact request path to a class.
type PathRule struct {
	Path  string
	Class OperationClass
}

// PrefixRule maps a path prefix to a class.
type PrefixRule struct {
	Prefix string
	Class  OperationClass
}

// SelectorConfig is the routing table for limiter selection.
type SelectorConfig struct {
	Endpoints []PathRule
	Prefixes  []PrefixRule
	Tiers     map[string]OperationClass
}

// DefaultSelectorConfig returns the stock routing table.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Endpoints: []PathRule{
			{Path: "/api/auth/login", Class: ClassAuth},
			{Path: "/api/auth/register", Class: ClassAuth},
			{Path: "/auth/login", Class: ClassAuth},
			{Path: "/auth/register", Class: ClassAuth},
			{Path: "/api/upload", Class: ClassUpload},
			{Path: "/api/public", Class: ClassPublic},
		},
		Prefixes: []PrefixRule{
			{Prefix: "/auth/", Class: ClassAuth},
			{Prefix: "/api/auth/", Class: ClassAuth},
			{Prefix: "/upload", Class: ClassUpload},
			{Prefix: "/api/upload", Class: ClassUpload},
			{Prefix: "/api/public/", Class: ClassPublic},
		},
		Tiers: map[string]OperationClass{
			"premium": ClassPremium,
			"paid":    ClassPremium,
			"admin":   ClassPremium,
			"user":    ClassGeneral,
			"free":    ClassGeneral,
			"basic":   ClassGeneral,
		},
	}
}

// RequestInfo is what the selector needs to know about a request.
type RequestInfo struct {
	Path    string
	Subject *Subject
}

// Selector picks an operation class by fixed precedence: exact endpoint,
// then path prefix, then subject tier, then general.
type Selector struct {
	endpoints map[string]OperationClass
	prefixes  []PrefixRule
	tiers     map[string]OperationClass
}

// NewSelector builds a selector. Prefixes are matched longest first; rules of
// equal length keep their configured order.
func NewSelector(cfg SelectorConfig) *Selector {
	s := &Selector{
		endpoints: make(map[string]OperationClass, len(cfg.Endpoints)),
		prefixes:  make([]PrefixRule, 0, len(cfg.Prefixes)),
		tiers:     make(map[string]OperationClass, len(cfg.Tiers)),
	}
	for _, e := range cfg.Endpoints {
		s.endpoints[normalizePath(e.Path)] = e.Class
	}
	for _, p := range cfg.Prefixes {
		if p.Prefix != "" {
			s.prefixes = append(s.prefixes, p)
		}
	}
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].Prefix) > len(s.prefixes[j].Prefix)
	})
	for tier, class := range cfg.Tiers {
		s.tiers[strings.ToLower(tier)] = class
	}
	return s
}

// Select returns the class for req and the rule that decided it.
func (s *Selector) Select(req RequestInfo) (OperationClass, Reason) {
	path := normalizePath(req.Path)

	if class, ok := s.endpoints[path]; ok {
		return class, ReasonEndpoint
	}

	for _, p := range s.prefixes {
		if strings.HasPrefix(path, p.Prefix) {
			return p.Class, ReasonPrefix
		}
	}

	if req.Subject != nil && req.Subject.ID != "" {
		if class, ok := s.tiers[req.Subject.Tier()]; ok {
			return class, ReasonTier
		}
	}

	return ClassGeneral, ReasonDefault
}

func normalizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelector_Precedence(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())
	premium := &Subject{ID: "42", Plan: "premium"}
	admin := &Subject{ID: "1", Role: "ADMIN"}
	user := &Subject{ID: "7", Role: "USER"}

	tests := []struct {
		name       string
		path       string
		subject    *Subject
		wantClass  OperationClass
		wantReason Reason
	}{
		{"login stays strict for premium users", "/api/auth/login", premium, ClassAuth, ReasonEndpoint},
		{"register endpoint", "/api/auth/register", nil, ClassAuth, ReasonEndpoint},
		{"endpoint ignores query and trailing slash", "/api/upload/?x=1", user, ClassUpload, ReasonEndpoint},
		{"auth prefix beats tier", "/auth/google/callback", premium, ClassAuth, ReasonPrefix},
		{"upload prefix", "/api/upload/avatar", admin, ClassUpload, ReasonPrefix},
		{"public prefix", "/api/public/dreams", nil, ClassPublic, ReasonPrefix},
		{"premium plan", "/api/dreams", premium, ClassPremium, ReasonTier},
		{"admin role", "/api/dreams", admin, ClassPremium, ReasonTier},
		{"plan wins over role", "/api/dreams", &Subject{ID: "3", Plan: "free", Role: "ADMIN"}, ClassGeneral, ReasonTier},
		{"default tier", "/api/dreams", user, ClassGeneral, ReasonTier},
		{"unknown tier falls back", "/api/dreams", &Subject{ID: "9", Plan: "gold"}, ClassGeneral, ReasonDefault},
		{"anonymous falls back", "/api/dreams", nil, ClassGeneral, ReasonDefault},
		{"tier ignored without subject id", "/api/dreams", &Subject{Plan: "premium"}, ClassGeneral, ReasonDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, reason := s.Select(RequestInfo{Path: tt.path, Subject: tt.subject})
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestSelector_LongestPrefixWins(t *testing.T) {
	s := NewSelector(SelectorConfig{
		Prefixes: []PrefixRule{
			{Prefix: "/api/", Class: ClassPublic},
			{Prefix: "/api/upload", Class: ClassUpload},
		},
	})

	class, reason := s.Select(RequestInfo{Path: "/api/upload/file"})
	assert.Equal(t, ClassUpload, class)
	assert.Equal(t, ReasonPrefix, reason)

	class, _ = s.Select(RequestInfo{Path: "/api/dreams"})
	assert.Equal(t, ClassPublic, class)
}

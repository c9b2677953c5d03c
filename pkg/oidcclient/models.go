package oidcclient

import (
	"time"
)

// RawToken is the unparsed response of an authorization-code exchange.
// The userinfo token is only present when the flow requested the ssn scope.
type RawToken struct {
	IDToken       string
	UserInfoToken string
	AccessToken   string
	Scope         []string
	ExpiresAt     time.Time
}

// HasUserInfoToken reports whether the provider released a userinfo token.
func (t *RawToken) HasUserInfoToken() bool {
	return t.UserInfoToken != ""
}

// IDToken is the projection of the provider's signed id_token this service
// cares about. It is never persisted; only its fields flow into records.
type IDToken struct {
	// Subject is the provider-scoped unique id of the end user.
	Subject string

	// Provider names the identity method used (ie. "mitid" or "nemid").
	Provider string

	// IdentityType is "private" or "company".
	IdentityType string

	// TIN is the tax identification number companies assert directly in
	// the primary token (claim "nemid.cvr"). Empty for private persons.
	TIN string

	Issued  time.Time
	Expires time.Time
}

// IsPrivate reports whether the end user is a private person.
func (t IDToken) IsPrivate() bool {
	return t.IdentityType == "private"
}

// IsCompany reports whether the end user acts on behalf of a company.
func (t IDToken) IsCompany() bool {
	return t.IdentityType == "company"
}

// UserInfoToken carries the verified secondary identity attribute released by
// the provider after an ssn-scoped flow: a social security number for private
// persons, or a tax identification number for companies.
type UserInfoToken struct {
	Subject      string
	IdentityType string

	// SSN is set for private persons only (claim "dk.cpr").
	SSN string

	// TIN is set for companies only (claim "nemid.cvr").
	TIN string
}

// IsPrivate reports whether the token belongs to a private person.
func (t UserInfoToken) IsPrivate() bool {
	return t.IdentityType == "private"
}

// IsCompany reports whether the token belongs to a company.
func (t UserInfoToken) IsCompany() bool {
	return t.IdentityType == "company"
}

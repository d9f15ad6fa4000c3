// Package models defines the entity types shared across the gateway.
package models

// Credential represents an issued API key record. The plaintext key is
// never stored; the record is identified by the SHA-256 digest of the
// key as presented by callers.
type Credential struct {
	Digest      string
	Name        string
	Description string
	CreatedAt   int64
	Active      bool
	UsageCount  int64
}

// CredentialInfo is the metadata view of a credential exposed by
// listing operations. It carries no digest and no secret material.
type CredentialInfo struct {
	Name        string
	Description string
	CreatedAt   int64
	Active      bool
	UsageCount  int64
}

// Info returns the metadata view of the credential.
func (c *Credential) Info() CredentialInfo {
	return CredentialInfo{
		Name:        c.Name,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		Active:      c.Active,
		UsageCount:  c.UsageCount,
	}
}

package identity

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RegistrationSchema is the ERC-8004 registration document schema.
const RegistrationSchema = "https://erc-8004.org/schemas/registration/v1.json"

// RegistrationFile is the JSON document a registration URI points at.
type RegistrationFile struct {
	Schema       string            `json:"$schema"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Version      string            `json:"version"`
	Capabilities []Capability      `json:"capabilities"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Owner        string            `json:"owner"`
	Contacts     map[string]string `json:"contacts,omitempty"`
}

// Capability advertises one thing the agent does.
type Capability struct {
	Type           string   `json:"type"`
	Supported      bool     `json:"supported,omitempty"`
	PaymentAddress string   `json:"payment_address,omitempty"`
	Networks       []string `json:"networks,omitempty"`
	Features       []string `json:"features,omitempty"`
}

// RegistrationParams describes the agent being registered.
type RegistrationParams struct {
	Name        string
	Description string
	Version     string
	Owner       common.Address
	// PayTo receives x402 payments; defaults to Owner.
	PayTo    common.Address
	Network  string
	BaseURL  string
	Contacts map[string]string
}

// NewRegistrationFile builds the registration document for p. When
// BaseURL is set, the proxy's inference, pricing and health endpoints
// are listed under it.
func NewRegistrationFile(p RegistrationParams) (*RegistrationFile, error) {
	if p.Name == "" {
		return nil, errors.New("identity: registration name is required")
	}
	if p.Owner == (common.Address{}) {
		return nil, errors.New("identity: registration owner is required")
	}
	payTo := p.PayTo
	if payTo == (common.Address{}) {
		payTo = p.Owner
	}
	version := p.Version
	if version == "" {
		version = "1.0.0"
	}

	payments := Capability{Type: "x402_payments", Supported: true, PaymentAddress: payTo.Hex()}
	if p.Network != "" {
		payments.Networks = []string{p.Network}
	}

	f := &RegistrationFile{
		Schema:      RegistrationSchema,
		Name:        p.Name,
		Description: p.Description,
		Version:     version,
		Capabilities: []Capability{
			{Type: "inference", Features: []string{"llm_completion", "pay_per_call"}},
			payments,
		},
		Owner:    p.Owner.Hex(),
		Contacts: p.Contacts,
	}
	if base := strings.TrimRight(p.BaseURL, "/"); base != "" {
		f.Endpoints = map[string]string{
			"inference": base + "/inference",
			"pricing":   base + "/pricing",
			"health":    base + "/health",
		}
	}
	return f, nil
}

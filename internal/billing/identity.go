package billing

import (
	"fmt"
	"strings"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
)

// CustomerType names the namespace a billing identity lives in.
type CustomerType string

// Supported customer types.
const (
	CustomerEndUser CustomerType = models.CustomerTypeEndUser
	CustomerUser    CustomerType = models.CustomerTypeUser
	CustomerTeam    CustomerType = models.CustomerTypeTeam
)

// ParseCustomerType validates a customer type string.
func ParseCustomerType(raw string) (CustomerType, error) {
	switch ct := CustomerType(strings.ToLower(strings.TrimSpace(raw))); ct {
	case CustomerEndUser, CustomerUser, CustomerTeam:
		return ct, nil
	default:
		return "", fmt.Errorf("billing: unknown customer type %q", raw)
	}
}

// Identity is the canonical billing identity of a customer.
type Identity struct {
	Type CustomerType
	ID   string
}

// NewIdentity validates and builds an Identity.
func NewIdentity(customerType, customerID string) (Identity, error) {
	ct, err := ParseCustomerType(customerType)
	if err != nil {
		return Identity{}, err
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return Identity{}, ErrIdentityUnresolved
	}
	return Identity{Type: ct, ID: id}, nil
}

// Key returns the "<type>:<id>" customer key.
func (i Identity) Key() string { return string(i.Type) + ":" + i.ID }

func (i Identity) String() string { return i.Key() }

// ParseCustomerKey parses a "<type>:<id>" customer key.
func ParseCustomerKey(key string) (Identity, error) {
	customerType, customerID, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok {
		return Identity{}, fmt.Errorf("billing: malformed customer key %q", key)
	}
	return NewIdentity(customerType, customerID)
}

// RequestContext carries the identity-bearing fields of one request.
type RequestContext struct {
	RequestID string
	EndUserID string // Caller-supplied end-user field from the request body.
	UserID    string // Proxy user bound to the API key.
	TeamID    string // Team bound to the API key.
	APIKeyID  string
}

// Resolver maps a request to the billing identity selected at startup.
type Resolver interface {
	Type() CustomerType
	Resolve(rc RequestContext) (Identity, error)
}

type endUserResolver struct{}

func (endUserResolver) Type() CustomerType { return CustomerEndUser }

func (endUserResolver) Resolve(rc RequestContext) (Identity, error) {
	return resolveField(CustomerEndUser, rc.EndUserID)
}

type userResolver struct{}

func (userResolver) Type() CustomerType { return CustomerUser }

func (userResolver) Resolve(rc RequestContext) (Identity, error) {
	return resolveField(CustomerUser, rc.UserID)
}

type teamResolver struct{}

func (teamResolver) Type() CustomerType { return CustomerTeam }

func (teamResolver) Resolve(rc RequestContext) (Identity, error) {
	return resolveField(CustomerTeam, rc.TeamID)
}

func resolveField(ct CustomerType, raw string) (Identity, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: no %s id on request", ErrIdentityUnresolved, ct)
	}
	return Identity{Type: ct, ID: id}, nil
}

// NewResolver selects the resolver for a charge-by setting.
func NewResolver(chargeBy string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(chargeBy)) {
	case config.ChargeByEndUserID, "":
		return endUserResolver{}, nil
	case config.ChargeByUserID:
		return userResolver{}, nil
	case config.ChargeByTeamID:
		return teamResolver{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported charge-by %q", ErrInsufficientConfiguration, chargeBy)
	}
}

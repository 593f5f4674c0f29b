package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account status values.
const (
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
)

// -------------------- SETTINGS DOCUMENT --------------------

// AccountSettings is the single per-user settings document. Version is a
// monotonic counter bumped by exactly one on every accepted mutation; it is
// the tie-breaker for offline sync and the key for conditional writes.
type AccountSettings struct {
	UserID            string                  `json:"userId"`
	Communication     CommunicationSettings   `json:"communication"`
	ShippingPayment   ShippingPaymentSettings `json:"shippingPayment"`
	Security          SecuritySettings        `json:"security"`
	Privacy           PrivacySettings         `json:"privacy"`
	AccountManagement AccountManagement       `json:"accountManagement"`
	LastUpdated       time.Time               `json:"lastUpdated"`
	Version           int64                   `json:"version"`
}

type CommunicationSettings struct {
	Newsletter         NewsletterSubscriptions `json:"newsletter"`
	EmailNotifications EmailNotifications      `json:"emailNotifications"`
}

type NewsletterSubscriptions struct {
	NewProducts bool `json:"newProducts"`
	Promotions  bool `json:"promotions"`
	CareTips    bool `json:"careTips"`
}

type EmailNotifications struct {
	OrderUpdates    bool `json:"orderUpdates"`
	DeliveryUpdates bool `json:"deliveryUpdates"`
	SecurityAlerts  bool `json:"securityAlerts"`
	AccountActivity bool `json:"accountActivity"`
}

type ShippingPaymentSettings struct {
	DeliveryAddresses []Address `json:"deliveryAddresses"`
	// PaymentMethods are opaque to this service; they are stored and
	// returned verbatim.
	PaymentMethods []json.RawMessage `json:"paymentMethods"`
}

type SecuritySettings struct {
	TwoFactorEnabled   bool `json:"twoFactorEnabled"`
	LoginNotifications bool `json:"loginNotifications"`
}

type PrivacySettings struct {
	DataProcessingConsent bool              `json:"dataProcessingConsent"`
	MarketingConsent      bool              `json:"marketingConsent"`
	AnalyticsConsent      bool              `json:"analyticsConsent"`
	CookiePreferences     CookiePreferences `json:"cookiePreferences"`
}

type CookiePreferences struct {
	// Necessary is always true; writes that clear it are corrected, not
	// rejected.
	Necessary       bool `json:"necessary"`
	Analytics       bool `json:"analytics"`
	Marketing       bool `json:"marketing"`
	Personalization bool `json:"personalization"`
}

type AccountManagement struct {
	AccountStatus       string     `json:"accountStatus"`
	DeactivationReason  string     `json:"deactivationReason,omitempty"`
	DeactivatedAt       *time.Time `json:"deactivatedAt,omitempty"`
	DeletionReason      string     `json:"deletionReason,omitempty"`
	DeletionRequestedAt *time.Time `json:"deletionRequestedAt,omitempty"`
}

// Address is one entry of deliveryAddresses. IDs are server-generated and
// unique within the owning document. At most one address per document may be
// the default.
type Address struct {
	ID         string `json:"id"`
	IsDefault  bool   `json:"isDefault"`
	Name       string `json:"name,omitempty"`
	Company    string `json:"company,omitempty"`
	Street     string `json:"street"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
}

// ExportRequest is a pending data-export job record. It lives under its own
// key, not inside the settings document.
type ExportRequest struct {
	RequestID   string    `json:"requestId"`
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ExportStatusPending is the only status this service writes; progression is
// owned by the export worker.
const ExportStatusPending = "pending"

// -------------------- CONSTRUCTION --------------------

// DefaultAccountSettings builds the document synthesized on first access.
func DefaultAccountSettings(userID string, now time.Time) *AccountSettings {
	return &AccountSettings{
		UserID: userID,
		Communication: CommunicationSettings{
			Newsletter: NewsletterSubscriptions{},
			EmailNotifications: EmailNotifications{
				OrderUpdates:    true,
				DeliveryUpdates: true,
				SecurityAlerts:  true,
			},
		},
		ShippingPayment: ShippingPaymentSettings{
			DeliveryAddresses: []Address{},
			PaymentMethods:    []json.RawMessage{},
		},
		Security: SecuritySettings{
			LoginNotifications: true,
		},
		Privacy: PrivacySettings{
			DataProcessingConsent: true,
			CookiePreferences: CookiePreferences{
				Necessary: true,
			},
		},
		AccountManagement: AccountManagement{
			AccountStatus: StatusActive,
		},
		LastUpdated: now,
		Version:     1,
	}
}

// NewAddressID generates an address ID unique within a document: millisecond
// timestamp plus a random suffix.
func NewAddressID(now time.Time) string {
	return fmt.Sprintf("addr-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// NewExportRequestID generates an export request identifier.
func NewExportRequestID() string {
	return uuid.NewString()
}

// -------------------- INVARIANT ENFORCEMENT --------------------

// Normalize force-corrects fields the client may not set: the necessary
// cookie flag, a missing account status, nil collections, and more than one
// default address (the first default wins).
func (s *AccountSettings) Normalize() {
	s.Privacy.CookiePreferences.Necessary = true

	if s.AccountManagement.AccountStatus == "" {
		s.AccountManagement.AccountStatus = StatusActive
	}
	if s.ShippingPayment.DeliveryAddresses == nil {
		s.ShippingPayment.DeliveryAddresses = []Address{}
	}
	if s.ShippingPayment.PaymentMethods == nil {
		s.ShippingPayment.PaymentMethods = []json.RawMessage{}
	}

	seenDefault := false
	for i := range s.ShippingPayment.DeliveryAddresses {
		if s.ShippingPayment.DeliveryAddresses[i].IsDefault {
			if seenDefault {
				s.ShippingPayment.DeliveryAddresses[i].IsDefault = false
			}
			seenDefault = true
		}
	}
}

// Validate checks the document invariants that cannot be force-corrected.
func (s *AccountSettings) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("userId is required")
	}
	if s.Version < 1 {
		return fmt.Errorf("version must be at least 1, got %d", s.Version)
	}
	switch s.AccountManagement.AccountStatus {
	case StatusActive, StatusDeactivated:
	default:
		return fmt.Errorf("invalid account status: %s", s.AccountManagement.AccountStatus)
	}
	seen := make(map[string]bool, len(s.ShippingPayment.DeliveryAddresses))
	for _, addr := range s.ShippingPayment.DeliveryAddresses {
		if addr.ID == "" {
			return fmt.Errorf("address is missing an id")
		}
		if seen[addr.ID] {
			return fmt.Errorf("duplicate address id: %s", addr.ID)
		}
		seen[addr.ID] = true
	}
	return nil
}

// DefaultAddress returns the current default delivery address, or nil.
func (s *AccountSettings) DefaultAddress() *Address {
	for i := range s.ShippingPayment.DeliveryAddresses {
		if s.ShippingPayment.DeliveryAddresses[i].IsDefault {
			return &s.ShippingPayment.DeliveryAddresses[i]
		}
	}
	return nil
}

// Validate checks the address fields required on insert.
func (a *Address) Validate() error {
	if strings.TrimSpace(a.Street) == "" {
		return fmt.Errorf("street is required")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		return fmt.Errorf("postal code is required")
	}
	if strings.TrimSpace(a.City) == "" {
		return fmt.Errorf("city is required")
	}
	if strings.TrimSpace(a.Country) == "" {
		return fmt.Errorf("country is required")
	}
	return nil
}

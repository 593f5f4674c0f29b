package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultAccountSettings(t *testing.T) {
	now := time.Now().UTC()
	doc := DefaultAccountSettings("user-1", now)

	require.Equal(t, "user-1", doc.UserID)
	require.Equal(t, int64(1), doc.Version)
	require.Equal(t, StatusActive, doc.AccountManagement.AccountStatus)
	require.Equal(t, now, doc.LastUpdated)

	// Safety-relevant notifications start on, marketing starts off.
	require.True(t, doc.Communication.EmailNotifications.OrderUpdates)
	require.True(t, doc.Communication.EmailNotifications.DeliveryUpdates)
	require.True(t, doc.Communication.EmailNotifications.SecurityAlerts)
	require.False(t, doc.Communication.EmailNotifications.AccountActivity)
	require.False(t, doc.Communication.Newsletter.NewProducts)
	require.False(t, doc.Communication.Newsletter.Promotions)

	require.True(t, doc.Security.LoginNotifications)
	require.False(t, doc.Security.TwoFactorEnabled)

	require.True(t, doc.Privacy.DataProcessingConsent)
	require.True(t, doc.Privacy.CookiePreferences.Necessary)
	require.False(t, doc.Privacy.MarketingConsent)

	require.NotNil(t, doc.ShippingPayment.DeliveryAddresses)
	require.NotNil(t, doc.ShippingPayment.PaymentMethods)
	require.Empty(t, doc.ShippingPayment.DeliveryAddresses)

	require.NoError(t, doc.Validate())
}

func TestNormalize_ForcesNecessaryCookie(t *testing.T) {
	doc := DefaultAccountSettings("user-1", time.Now().UTC())
	doc.Privacy.CookiePreferences.Necessary = false
	doc.Privacy.CookiePreferences.Analytics = true

	doc.Normalize()

	require.True(t, doc.Privacy.CookiePreferences.Necessary)
	require.True(t, doc.Privacy.CookiePreferences.Analytics, "other cookie flags are untouched")
}

func TestNormalize_FirstDefaultWins(t *testing.T) {
	doc := DefaultAccountSettings("user-1", time.Now().UTC())
	doc.ShippingPayment.DeliveryAddresses = []Address{
		{ID: "addr-1", IsDefault: true},
		{ID: "addr-2", IsDefault: true},
		{ID: "addr-3", IsDefault: true},
	}

	doc.Normalize()

	require.True(t, doc.ShippingPayment.DeliveryAddresses[0].IsDefault)
	require.False(t, doc.ShippingPayment.DeliveryAddresses[1].IsDefault)
	require.False(t, doc.ShippingPayment.DeliveryAddresses[2].IsDefault)
}

func TestNormalize_FillsMissingFields(t *testing.T) {
	doc := &AccountSettings{UserID: "user-1", Version: 1}

	doc.Normalize()

	require.Equal(t, StatusActive, doc.AccountManagement.AccountStatus)
	require.NotNil(t, doc.ShippingPayment.DeliveryAddresses)
	require.NotNil(t, doc.ShippingPayment.PaymentMethods)
	require.NoError(t, doc.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *AccountSettings {
		return DefaultAccountSettings("user-1", time.Now().UTC())
	}

	tests := []struct {
		name    string
		mutate  func(*AccountSettings)
		wantErr string
	}{
		{"valid", func(d *AccountSettings) {}, ""},
		{"missing user id", func(d *AccountSettings) { d.UserID = " " }, "userId is required"},
		{"zero version", func(d *AccountSettings) { d.Version = 0 }, "version must be at least 1"},
		{"bad status", func(d *AccountSettings) { d.AccountManagement.AccountStatus = "suspended" }, "invalid account status"},
		{"address without id", func(d *AccountSettings) {
			d.ShippingPayment.DeliveryAddresses = []Address{{Street: "s"}}
		}, "missing an id"},
		{"duplicate address ids", func(d *AccountSettings) {
			d.ShippingPayment.DeliveryAddresses = []Address{{ID: "a"}, {ID: "a"}}
		}, "duplicate address id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := base()
			tt.mutate(doc)
			err := doc.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestAddressValidate(t *testing.T) {
	valid := Address{Street: "Hauptstr. 1", PostalCode: "10115", City: "Berlin", Country: "DE"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Address)
		wantErr string
	}{
		{"missing street", func(a *Address) { a.Street = "" }, "street is required"},
		{"missing postal code", func(a *Address) { a.PostalCode = "  " }, "postal code is required"},
		{"missing city", func(a *Address) { a.City = "" }, "city is required"},
		{"missing country", func(a *Address) { a.Country = "" }, "country is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := valid
			tt.mutate(&addr)
			require.ErrorContains(t, addr.Validate(), tt.wantErr)
		})
	}
}

func TestDefaultAddress(t *testing.T) {
	doc := DefaultAccountSettings("user-1", time.Now().UTC())
	require.Nil(t, doc.DefaultAddress())

	doc.ShippingPayment.DeliveryAddresses = []Address{
		{ID: "addr-1"},
		{ID: "addr-2", IsDefault: true},
	}
	def := doc.DefaultAddress()
	require.NotNil(t, def)
	require.Equal(t, "addr-2", def.ID)
}

func TestNewAddressID(t *testing.T) {
	now := time.Now().UTC()
	id1 := NewAddressID(now)
	id2 := NewAddressID(now)

	require.True(t, strings.HasPrefix(id1, "addr-"))
	require.NotEqual(t, id1, id2, "ids carry a random suffix")
}

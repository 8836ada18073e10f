package api

import (
	"context"
	"encoding/json"
)

// Account is the authenticated account.
type Account struct {
	BalanceGB float64 `json:"balance_gb"`

	// Raw is the complete account object as returned by the API.
	Raw json.RawMessage `json:"-"`
}

// AccountUsage is the usage report of the account. Its fields are defined
// by the service.
type AccountUsage map[string]any

// AccountPayment is one payment record. Its fields are defined by the service.
type AccountPayment map[string]any

// Geo is a geo-targeting option accepted as TargetGeo.
type Geo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// GetAccount returns the account information.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	res, err := c.do(ctx, "GET", "/account", nil, "")
	if err != nil {
		return nil, err
	}
	acct := &Account{}
	ok, err := decodeData(res.data, acct)
	if err != nil {
		return nil, err
	}
	if ok {
		acct.Raw = res.data
	}
	return acct, nil
}

// GetAccountUsage returns the account usage report.
func (c *Client) GetAccountUsage(ctx context.Context) (AccountUsage, error) {
	res, err := c.do(ctx, "GET", "/account/usage", nil, "")
	if err != nil {
		return nil, err
	}
	usage := AccountUsage{}
	if _, err := decodeData(res.data, &usage); err != nil {
		return nil, err
	}
	return usage, nil
}

// ListAccountPayments returns the payment history.
func (c *Client) ListAccountPayments(ctx context.Context) ([]AccountPayment, error) {
	res, err := c.do(ctx, "GET", "/account/payments", nil, "")
	if err != nil {
		return nil, err
	}
	return decodeList[AccountPayment](res.data)
}

// ListGeos returns the available geo-targeting options.
func (c *Client) ListGeos(ctx context.Context) ([]Geo, error) {
	res, err := c.do(ctx, "GET", "/geos", nil, "")
	if err != nil {
		return nil, err
	}
	return decodeList[Geo](res.data)
}

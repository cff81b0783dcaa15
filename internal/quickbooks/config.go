package quickbooks

import "time"

const (
	DefaultAuthURL  = "https://appcenter.intuit.com/connect/oauth2"
	DefaultTokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	DefaultBaseURL  = "https://sandbox-quickbooks.api.intuit.com"

	AccountingScope = "com.intuit.quickbooks.accounting"

	defaultHTTPTimeout = 30 * time.Second
	// refreshLeeway is how close to expiry an access token may get before
	// it is refreshed ahead of a call.
	refreshLeeway = 5 * time.Minute
	// defaultTokenLifetime applies when the token endpoint omits expires_in.
	defaultTokenLifetime = time.Hour
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	BaseURL      string
	HTTPTimeout  time.Duration
	Accounts     AccountMapping
}

// AccountMapping maps local ledger roles to QuickBooks account ids.
type AccountMapping struct {
	AccountsReceivable string `json:"accountsReceivable"`
	AccountsPayable    string `json:"accountsPayable"`
	SalesIncome        string `json:"salesIncome"`
	FreightIncome      string `json:"freightIncome"`
	DiscountGiven      string `json:"discountGiven"`
	CostOfGoodsSold    string `json:"costOfGoodsSold"`
}

// DefaultAccountMapping matches the chart of accounts of a fresh sandbox
// company.
func DefaultAccountMapping() AccountMapping {
	return AccountMapping{
		AccountsReceivable: "84",
		AccountsPayable:    "33",
		SalesIncome:        "79",
		FreightIncome:      "82",
		DiscountGiven:      "86",
		CostOfGoodsSold:    "80",
	}
}

func (c Config) withDefaults() Config {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	defaults := DefaultAccountMapping()
	if c.Accounts.AccountsReceivable == "" {
		c.Accounts.AccountsReceivable = defaults.AccountsReceivable
	}
	if c.Accounts.AccountsPayable == "" {
		c.Accounts.AccountsPayable = defaults.AccountsPayable
	}
	if c.Accounts.SalesIncome == "" {
		c.Accounts.SalesIncome = defaults.SalesIncome
	}
	if c.Accounts.FreightIncome == "" {
		c.Accounts.FreightIncome = defaults.FreightIncome
	}
	if c.Accounts.DiscountGiven == "" {
		c.Accounts.DiscountGiven = defaults.DiscountGiven
	}
	if c.Accounts.CostOfGoodsSold == "" {
		c.Accounts.CostOfGoodsSold = defaults.CostOfGoodsSold
	}
	return c
}

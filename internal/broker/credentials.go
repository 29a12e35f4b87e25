package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tbourn/alertdesk/internal/domain"
)

// Credentials is the tagged union of broker credential documents.
type Credentials interface {
	BrokerType() string
	Validate() error
}

// TradovateCredentials authenticate against Tradovate.
type TradovateCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	CID      string `json:"cid"`
	DeviceID string `json:"deviceId"`
	Env      string `json:"env"`
}

// BrokerType implements Credentials.
func (TradovateCredentials) BrokerType() string { return domain.BrokerTradovate }

// Validate implements Credentials.
func (c TradovateCredentials) Validate() error {
	if err := required(map[string]string{"username": c.Username, "password": c.Password, "cid": c.CID, "deviceId": c.DeviceID}); err != nil {
		return err
	}
	return checkEnv(c.Env, "demo", "live")
}

// SettradeCredentials authenticate against Settrade Open API.
type SettradeCredentials struct {
	AppID     string  `json:"appId"`
	AppSecret string  `json:"appSecret"`
	BrokerID  string  `json:"brokerId"`
	AccountNo string  `json:"accountNo"`
	PIN       *string `json:"pin,omitempty"`
	Env       string  `json:"env"`
}

// BrokerType implements Credentials.
func (SettradeCredentials) BrokerType() string { return domain.BrokerSettrade }

// Validate implements Credentials.
func (c SettradeCredentials) Validate() error {
	if err := required(map[string]string{"appId": c.AppID, "appSecret": c.AppSecret, "brokerId": c.BrokerID, "accountNo": c.AccountNo}); err != nil {
		return err
	}
	return checkEnv(c.Env, "sandbox", "prod")
}

// MT5Credentials identify a MetaTrader 5 account served by the EA bridge.
type MT5Credentials struct {
	Account     string `json:"account"`
	Server      string `json:"server"`
	Password    string `json:"password"`
	MagicNumber int64  `json:"magic_number"`
}

// BrokerType implements Credentials.
func (MT5Credentials) BrokerType() string { return domain.BrokerMT5 }

// Validate implements Credentials.
func (c MT5Credentials) Validate() error {
	if err := required(map[string]string{"account": c.Account, "server": c.Server, "password": c.Password}); err != nil {
		return err
	}
	if c.MagicNumber < 0 {
		return fmt.Errorf("%w: magic_number must not be negative", ErrInvalidCredentials)
	}
	return nil
}

// ParseCredentials decodes and validates raw for brokerType. Unknown keys
// are rejected so typos surface at connect time.
func ParseCredentials(brokerType string, raw json.RawMessage) (Credentials, error) {
	var c Credentials
	switch brokerType {
	case domain.BrokerTradovate:
		c = &TradovateCredentials{}
	case domain.BrokerSettrade:
		c = &SettradeCredentials{}
	case domain.BrokerMT5:
		c = &MT5Credentials{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, brokerType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
}

func checkEnv(env string, allowed ...string) error {
	for _, a := range allowed {
		if env == a {
			return nil
		}
	}
	return fmt.Errorf("%w: env must be one of %s", ErrInvalidCredentials, strings.Join(allowed, ", "))
}

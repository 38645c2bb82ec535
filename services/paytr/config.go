package paytr

import (
	"fmt"
	"time"

	"github.com/MarcGrol/callconsole/lib/myerrors"
)

const (
	DefaultAPIURL          = "https://www.paytr.com/odeme/api/get-token"
	iframeURLPrefix        = "https://www.paytr.com/odeme/guvenli/"
	defaultCallbackTimeout = 10 * time.Second
)

type Config struct {
	MerchantID   string
	MerchantKey  string
	MerchantSalt string
	TestMode     bool
	APIURL       string
	// CallbackTimeout bounds the persistence round-trip of a single callback
	CallbackTimeout time.Duration
}

func (c Config) Validate() error {
	if c.MerchantID == "" || c.MerchantKey == "" || c.MerchantSalt == "" {
		return myerrors.NewInvalidInputErrorf("missing paytr merchant credentials")
	}
	return nil
}

// String never reveals key or salt
func (c Config) String() string {
	return fmt.Sprintf("merchant:%s test-mode:%v api:%s key:%s salt:%s", c.MerchantID, c.TestMode, c.apiURL(), redacted(c.MerchantKey), redacted(c.MerchantSalt))
}

func (c Config) apiURL() string {
	if c.APIURL == "" {
		return DefaultAPIURL
	}
	return c.APIURL
}

func (c Config) callbackTimeout() time.Duration {
	if c.CallbackTimeout <= 0 {
		return defaultCallbackTimeout
	}
	return c.CallbackTimeout
}

func redacted(secret string) string {
	if secret == "" {
		return "<missing>"
	}
	return "***"
}

package paytr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
)

func callbackSignature(merchantKey, merchantSalt string, n PaymentNotification) string {
	return hmacBase64(merchantKey, n.MerchantOID+merchantSalt+n.Status+n.TotalAmount)
}

func tokenSignature(merchantKey, merchantSalt string, req TokenRequest) string {
	message := req.MerchantID +
		req.UserIP +
		req.MerchantOID +
		req.Email +
		strconv.FormatInt(req.PaymentAmount, 10) +
		req.UserBasket +
		strconv.Itoa(req.NoInstallment) +
		strconv.Itoa(req.MaxInstallment) +
		req.Currency +
		boolFlag(req.TestMode) +
		merchantSalt
	return hmacBase64(merchantKey, message)
}

// signatureMatches compares in constant time; an empty signature never matches
func signatureMatches(expected, supplied string) bool {
	if supplied == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(supplied))
}

func hmacBase64(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

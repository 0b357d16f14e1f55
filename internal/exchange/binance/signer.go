package binance

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
)

// signPayload signs a query string with the HMAC secret, or with the Ed25519
// key when no secret is configured.
func (c *Client) signPayload(payload string) (string, error) {
	switch {
	case c.apiSecret != "":
		return sign(c.apiSecret, payload), nil
	case c.ed25519Key != nil:
		return signEd25519(payload, c.ed25519Key), nil
	}
	return "", errors.New("no signing key configured")
}

// SessionLogonParams builds the Ed25519-signed params of session.logon.
func (c *Client) SessionLogonParams() (map[string]any, error) {
	if c.apiKey == "" {
		return nil, errors.New("api_key required")
	}
	if c.ed25519Key == nil {
		return nil, errors.New("ed25519 key not loaded")
	}
	values, params := c.authParams()
	params["signature"] = signEd25519(values.Encode(), c.ed25519Key)
	return params, nil
}

// SignedSubscribeParams builds the HMAC-signed params of
// userDataStream.subscribe.signature.
func (c *Client) SignedSubscribeParams() (map[string]any, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	values, params := c.authParams()
	params["signature"] = sign(c.apiSecret, values.Encode())
	return params, nil
}

// authParams returns the signed fields both as the query string to sign and
// as the JSON params map.
func (c *Client) authParams() (url.Values, map[string]any) {
	ts := c.now().UnixMilli()
	values := url.Values{}
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	params := map[string]any{
		"apiKey":    c.apiKey,
		"timestamp": ts,
	}
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return values, params
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func signEd25519(payload string, key ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, []byte(payload)))
}

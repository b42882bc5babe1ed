// Package auth implements the StarLine credential exchange.
//
// Obtaining a usable session takes four steps, each feeding the next: an application code,
// an application token, a SLID user token (which may require the user to solve an SMS or
// CAPTCHA challenge first), and finally the SLNet session token used as the bearer cookie
// on all device-data calls. The steps are independent calls with no stored state; the
// caller drives the sequence and owns the resulting session's lifetime, including
// re-authenticating when it nears expiry.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/starline/starline-go/internal/log"
	"github.com/starline/starline-go/pkg/protocol"
	"github.com/starline/starline-go/pkg/transport"
)

const (
	// DefaultIdentityHost serves the application and user login endpoints.
	DefaultIdentityHost = "id.starline.ru"
	// DefaultDataHost serves the SLID-to-SLNet token exchange.
	DefaultDataHost = "developer.starline.ru"
)

// Login outcome states reported by the identity provider.
const (
	StateChallenge = 0 // CAPTCHA or phone confirmation required.
	StateSuccess   = 1 // SLID user token issued.
	StateNeedSMS   = 2 // SMS code sent to the user's phone.
)

// Auth performs the credential exchange. The host fields can be overridden for testing.
type Auth struct {
	IdentityHost string
	DataHost     string

	client *transport.Client
}

// LoginOptions carry the user's answer to a pending login challenge. Zero values omit the
// corresponding fields from the login request.
type LoginOptions struct {
	SMSCode     string
	CaptchaSID  string
	CaptchaCode string
}

// UserSession is the outcome of a login attempt: either a ready SLID user token, or a
// challenge the user must resolve before retrying the call.
type UserSession struct {
	State   int
	Details map[string]interface{}
}

// SLIDToken returns the issued user token, if the login completed.
func (s *UserSession) SLIDToken() (string, bool) {
	if s.State != StateSuccess {
		return "", false
	}
	return stringField(s.Details, "user_token")
}

// NeedSMS reports whether the provider sent an SMS code that must be supplied on the next
// login attempt.
func (s *UserSession) NeedSMS() bool {
	return s.State == StateNeedSMS
}

// Captcha returns the CAPTCHA challenge identifier and image payload, if one is pending.
func (s *UserSession) Captcha() (sid, img string, ok bool) {
	if s.State != StateChallenge {
		return "", "", false
	}
	sid, ok = stringField(s.Details, "captchaSid")
	if !ok {
		return "", "", false
	}
	img, _ = stringField(s.Details, "captchaImg")
	return sid, img, true
}

// Phone returns the phone number awaiting confirmation, if the provider demanded one.
func (s *UserSession) Phone() (string, bool) {
	if s.State != StateChallenge {
		return "", false
	}
	return stringField(s.Details, "phone")
}

// Session is the SLNet credential used for all device-data and command calls. The library
// does not refresh it; watch ExpiresAt and re-run the exchange when it nears.
type Session struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
}

// New returns an Auth that exchanges credentials through client.
func New(client *transport.Client) *Auth {
	return &Auth{
		IdentityHost: DefaultIdentityHost,
		DataHost:     DefaultDataHost,
		client:       client,
	}
}

// GetAppCode obtains the application code used to derive an application token. The secret
// is transmitted as its MD5 hex digest.
func (a *Auth) GetAppCode(ctx context.Context, appID, appSecret string) (string, error) {
	return a.appExchange(ctx, "getCode", "code", appID, md5Hex(appSecret))
}

// GetAppToken exchanges an application code for an application token, signed with the MD5
// hex digest of the secret concatenated with the code.
func (a *Auth) GetAppToken(ctx context.Context, appID, appSecret, appCode string) (string, error) {
	return a.appExchange(ctx, "getToken", "token", appID, md5Hex(appSecret+appCode))
}

func (a *Auth) appExchange(ctx context.Context, endpoint, field, appID, secret string) (string, error) {
	u := fmt.Sprintf("https://%s/apiV3/application/%s/", a.IdentityHost, endpoint)
	params := url.Values{
		"appId":  {appID},
		"secret": {secret},
	}
	data, rsp, err := a.client.Get(ctx, u, params, nil)
	if err != nil {
		return "", fmt.Errorf("application %s: %w", endpoint, err)
	}
	if state, _ := intField(data, "state"); state != StateSuccess {
		return "", &protocol.ResponseError{Code: state, Body: rsp.Body}
	}
	desc, _ := data["desc"].(map[string]interface{})
	value, ok := stringField(desc, field)
	if !ok {
		return "", &protocol.MalformedError{Field: "desc." + field, Body: rsp.Body}
	}
	log.Debug("application %s: %s", field, value)
	return value, nil
}

// GetUserSession authenticates the user against the identity provider. The password is
// transmitted as its SHA-1 hex digest, never in clear text. Pass a non-nil opts with the
// solved challenge to complete a login that previously returned NeedSMS or Captcha.
func (a *Auth) GetUserSession(ctx context.Context, appToken, login, password string, opts *LoginOptions) (*UserSession, error) {
	u := fmt.Sprintf("https://%s/apiV3/user/login/", a.IdentityHost)
	form := url.Values{
		"login": {login},
		"pass":  {sha1Hex(password)},
	}
	if opts != nil {
		if opts.SMSCode != "" {
			form.Set("smsCode", opts.SMSCode)
		}
		if opts.CaptchaSID != "" && opts.CaptchaCode != "" {
			form.Set("captchaSid", opts.CaptchaSID)
			form.Set("captchaCode", opts.CaptchaCode)
		}
	}
	data, rsp, err := a.client.PostForm(ctx, u, url.Values{"token": {appToken}}, form, nil)
	if err != nil {
		return nil, fmt.Errorf("user login: %w", err)
	}

	state, _ := intField(data, "state")
	desc, _ := data["desc"].(map[string]interface{})
	session := &UserSession{State: state, Details: desc}
	switch {
	case state == StateSuccess, state == StateNeedSMS:
		return session, nil
	case state == StateChallenge:
		if _, _, ok := session.Captcha(); ok {
			return session, nil
		}
		if _, ok := session.Phone(); ok {
			return session, nil
		}
	}
	return nil, &protocol.ResponseError{Code: state, Body: rsp.Body}
}

// GetSLNetSession exchanges a SLID user token for an SLNet session. The server does not
// expose the session cookie through a parsable Set-Cookie value, so the raw header is
// scanned for it; see parseSessionCookie for the degraded-expiry behavior.
func (a *Auth) GetSLNetSession(ctx context.Context, slidToken string) (*Session, error) {
	u := fmt.Sprintf("https://%s/json/v2/auth.slid", a.DataHost)
	rsp, err := a.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    u,
		JSON:   map[string]string{"slid_token": slidToken},
	})
	if err != nil {
		return nil, fmt.Errorf("slid exchange: %w", err)
	}
	data, err := rsp.JSON()
	if err != nil {
		return nil, err
	}
	if code, _ := intField(data, "code"); code != http.StatusOK {
		return nil, &protocol.ResponseError{Code: code, Body: rsp.Body}
	}
	userID, ok := stringField(data, "user_id")
	if !ok {
		return nil, &protocol.MalformedError{Field: "user_id", Body: rsp.Body}
	}
	token, expires, ok := parseSessionCookie(rsp.Header.Values("Set-Cookie"), time.Now())
	if !ok {
		return nil, &protocol.MalformedError{Field: "slnet cookie", Body: rsp.Body}
	}
	log.Info("slnet session for user %s expires %s", userID, expires.Format(time.RFC3339))
	return &Session{Token: token, ExpiresAt: expires, UserID: userID}, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// The backend is inconsistent about numeric fields: states arrive as numbers or digit
// strings depending on the endpoint.
func intField(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	switch v := data[key].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

package roborock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/gohome-vacuum/internal/rate"
)

const maxResponseBytes = 4 << 20

// regionURLs are asked in turn which region serves an account.
var regionURLs = []string{
	"https://usiot.roborock.com",
	"https://euiot.roborock.com",
	"https://cniot.roborock.com",
	"https://ruiot.roborock.com",
}

// webAPILimits keeps home-data polling and login retries well under what the
// account endpoints tolerate.
var webAPILimits = rate.Provider("roborock").
	MaxRequestsPer(rate.Minute, 10).
	MaxRequestsPer(rate.Day, 500).
	CacheFor(time.Minute).
	CooldownAfterThrottle(5 * time.Minute)

var errAPIStatus = errors.New("roborock api rejected request")

// looseString accepts a JSON string or number. Country codes arrive as both.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = looseString(text)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", data)
	}
	*s = looseString(n.String())
	return nil
}

// accountReply wraps every response of the account endpoints.
type accountReply struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// iotReply wraps every response of the Hawk-signed IoT API.
type iotReply struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

type region struct {
	URL         string      `json:"url"`
	Country     string      `json:"country"`
	CountryCode looseString `json:"countrycode"`
}

// WebAPI talks to the Roborock account endpoints used for login and home data.
type WebAPI struct {
	username   string
	baseURL    string
	httpClient *http.Client
	clientID   string
	regions    []string
	now        func() time.Time

	mu     sync.Mutex
	region *region
}

// NewWebAPI returns a client for username. An empty baseURL is resolved by
// asking every region.
func NewWebAPI(username, baseURL string) *WebAPI {
	return &WebAPI{
		username:   username,
		baseURL:    baseURL,
		httpClient: rate.WrapHTTP(webAPILimits, &http.Client{Timeout: 15 * time.Second}),
		clientID:   clientID(username),
		regions:    regionURLs,
		now:        time.Now,
	}
}

// clientID identifies this install to the account endpoints. A fresh random
// device id per process matches what the mobile app sends on first launch.
func clientID(username string) string {
	device := make([]byte, 16)
	for i := range device {
		device[i] = byte(rand.IntN(256))
	}
	id := base64.RawURLEncoding.EncodeToString(device)
	return base64.StdEncoding.EncodeToString(md5Bytes([]byte(username + id)))
}

// BaseURL returns the account's region URL, discovering it when unset.
func (a *WebAPI) BaseURL(ctx context.Context) (string, error) {
	if a.baseURL != "" {
		return a.baseURL, nil
	}
	r, err := a.lookupRegion(ctx)
	if err != nil {
		return "", err
	}
	return r.URL, nil
}

func (a *WebAPI) lookupRegion(ctx context.Context) (region, error) {
	a.mu.Lock()
	cached := a.region
	a.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	candidates := a.regions
	if a.baseURL != "" {
		candidates = []string{a.baseURL}
	}
	var errs []error
	for _, base := range candidates {
		var r region
		err := a.account(ctx, http.MethodPost, base+"/api/v1/getUrlByEmail", url.Values{
			"email":           {a.username},
			"needtwostepauth": {"false"},
		}, nil, nil, &r)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, errAPIStatus) {
				break
			}
			continue
		}
		if r.URL == "" {
			errs = append(errs, fmt.Errorf("%s: region reply without url", base))
			continue
		}
		a.mu.Lock()
		a.region = &r
		a.mu.Unlock()
		return r, nil
	}
	return region{}, fmt.Errorf("resolve account region: %w", errors.Join(errs...))
}

// RequestCode asks Roborock to e-mail a login code.
func (a *WebAPI) RequestCode(ctx context.Context) error {
	base, err := a.BaseURL(ctx)
	if err != nil {
		return err
	}
	return a.account(ctx, http.MethodPost, base+"/api/v4/email/code/send", nil, url.Values{
		"email":    {a.username},
		"type":     {"login"},
		"platform": {""},
	}, http.Header{"header_clientlang": {"en"}}, nil)
}

// Login exchanges an e-mailed code for the account's user data, returned as
// sent so it can be stored verbatim. The v4 endpoint is tried first; accounts
// it rejects fall back to the v1 endpoint.
func (a *WebAPI) Login(ctx context.Context, code string) (json.RawMessage, error) {
	data, err := a.loginV4(ctx, code)
	if err == nil {
		return data, nil
	}
	legacy, legacyErr := a.loginV1(ctx, code)
	if legacyErr != nil {
		return nil, errors.Join(err, legacyErr)
	}
	return legacy, nil
}

func (a *WebAPI) loginV4(ctx context.Context, code string) (json.RawMessage, error) {
	base, err := a.BaseURL(ctx)
	if err != nil {
		return nil, err
	}
	r, err := a.lookupRegion(ctx)
	if err != nil {
		return nil, err
	}
	seed := randomAlphaNumeric(16)
	var signed struct {
		K string `json:"k"`
	}
	if err := a.account(ctx, http.MethodPost, base+"/api/v3/key/sign", url.Values{"s": {seed}}, nil, nil, &signed); err != nil {
		return nil, fmt.Errorf("sign login key: %w", err)
	}
	if signed.K == "" {
		return nil, errors.New("sign login key: empty key")
	}

	var data json.RawMessage
	err = a.account(ctx, http.MethodPost, base+"/api/v4/auth/email/login/code", nil, url.Values{
		"country":      {r.Country},
		"countryCode":  {string(r.CountryCode)},
		"email":        {a.username},
		"code":         {code},
		"majorVersion": {"14"},
		"minorVersion": {"0"},
	}, http.Header{
		"x-mercy-ks":         {seed},
		"x-mercy-k":          {signed.K},
		"header_clientlang":  {"en"},
		"header_appversion":  {"4.54.02"},
		"header_phonesystem": {"iOS"},
		"header_phonemodel":  {"iPhone16,1"},
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("v4 login: %w", err)
	}
	return nonEmpty(data)
}

func (a *WebAPI) loginV1(ctx context.Context, code string) (json.RawMessage, error) {
	base, err := a.BaseURL(ctx)
	if err != nil {
		return nil, err
	}
	var data json.RawMessage
	err = a.account(ctx, http.MethodPost, base+"/api/v1/loginWithCode", url.Values{
		"username":       {a.username},
		"verifycode":     {code},
		"verifycodetype": {"AUTH_EMAIL_CODE"},
	}, nil, nil, &data)
	if err != nil {
		return nil, fmt.Errorf("v1 login: %w", err)
	}
	return nonEmpty(data)
}

func nonEmpty(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, errors.New("login reply without user data")
	}
	return data, nil
}

// HomeData loads the account's home: its products and owned and shared
// devices.
func (a *WebAPI) HomeData(ctx context.Context, user *UserData) (*HomeData, error) {
	if user == nil {
		return nil, errors.New("user data required")
	}
	base, err := a.BaseURL(ctx)
	if err != nil {
		return nil, err
	}
	var detail struct {
		HomeID int64 `json:"rrHomeId"`
	}
	err = a.account(ctx, http.MethodGet, base+"/api/v1/getHomeDetail", nil, nil,
		http.Header{"Authorization": {user.Token}}, &detail)
	if err != nil {
		return nil, fmt.Errorf("home detail: %w", err)
	}

	if user.RRIOT.R.A == "" {
		return nil, errors.New("user data missing iot api url")
	}
	path := "/v3/user/homes/" + strconv.FormatInt(detail.HomeID, 10)
	var reply iotReply
	err = a.do(ctx, http.MethodGet, user.RRIOT.R.A+path, nil, nil, http.Header{
		"Authorization": {hawkHeader(user.RRIOT, path, a.now(), randomAlphaNumeric(8))},
	}, &reply)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("%w: home %d: %s", errAPIStatus, detail.HomeID, reply.Msg)
	}
	var home HomeData
	if err := json.Unmarshal(reply.Result, &home); err != nil {
		return nil, fmt.Errorf("decode home %d: %w", detail.HomeID, err)
	}
	return &home, nil
}

// account calls an account endpoint and decodes its data field into out,
// which may be nil.
func (a *WebAPI) account(ctx context.Context, method, rawURL string, query, form url.Values, header http.Header, out any) error {
	var reply accountReply
	if err := a.do(ctx, method, rawURL, query, form, header, &reply); err != nil {
		return err
	}
	if reply.Code != http.StatusOK {
		return fmt.Errorf("%w: code %d: %s", errAPIStatus, reply.Code, reply.Msg)
	}
	if out == nil || len(reply.Data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = reply.Data
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", rawURL, err)
	}
	return nil
}

func (a *WebAPI) do(ctx context.Context, method, rawURL string, query, form url.Values, header http.Header, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("header_clientid", a.clientID)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s %s: http %d", method, u.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, u.Path, err)
	}
	return nil
}

func randomAlphaNumeric(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = letters[rand.IntN(len(letters))]
	}
	return string(buf)
}

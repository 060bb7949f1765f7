package coordinator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IdentityBridge is a stateless façade around the upstream IdP's
// current-user/login/signup endpoints: form posts in, session cookies
// out.
type IdentityBridge struct {
	baseURL string
	client  *http.Client
}

// NewIdentityBridge builds a bridge targeting baseURL (e.g.
// "https://idp.example.com").
func NewIdentityBridge(baseURL string, client *http.Client) *IdentityBridge {
	if client == nil {
		client = &http.Client{}
	}
	return &IdentityBridge{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// IdPUser is the parsed body of GET /api/current-user.
type IdPUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// LoginResult is what a successful login/signup capture yields: the
// session cookie plus whatever user info the IdP returned.
type LoginResult struct {
	Cookie string
	User   IdPUser
}

// CurrentUser calls GET /api/current-user with the given cookie attached.
func (b *IdentityBridge) CurrentUser(ctx context.Context, cookie string) (*IdPUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/current-user", nil)
	if err != nil {
		return nil, NewErr(KindUpstreamIdPError, "build current-user request", err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, NewErr(KindUpstreamIdPError, "current-user request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewErr(KindUpstreamIdPError, fmt.Sprintf("current-user returned %d", resp.StatusCode), nil)
	}
	var u IdPUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, NewErr(KindUpstreamIdPError, "decode current-user body", err)
	}
	return &u, nil
}

// Login performs a form login against POST /login, timeout 30s. Success
// is detected by either HTTP 302 or HTTP 200 accompanied by a session=
// Set-Cookie.
func (b *IdentityBridge) Login(ctx context.Context, account, password string) (*LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return b.formPost(ctx, "/login", url.Values{"account": {account}, "password": {password}})
}

// Signup performs POST /signup, fire-and-forget with a 5s timeout: the
// caller proceeds to attempt login even without a signup reply.
func (b *IdentityBridge) Signup(ctx context.Context, account, password, email string) (*LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	form := url.Values{"account": {account}, "password": {password}}
	if email != "" {
		form.Set("email", email)
	}
	result, err := b.formPost(ctx, "/signup", form)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, NewErr(KindUpstreamIdPError, "Account already exists! Please use 'Login' instead", err)
		}
		return nil, err
	}
	return result, nil
}

func (b *IdentityBridge) formPost(ctx context.Context, path string, form url.Values) (*LoginResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, NewErr(KindUpstreamIdPError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// http.Client by default follows redirects, which would hide a 302 from
	// us; use a CheckRedirect that stops at the first hop so Login can
	// observe it directly.
	noRedirectClient := *b.client
	noRedirectClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := noRedirectClient.Do(req)
	if err != nil {
		return nil, NewErr(KindUpstreamIdPError, "request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	cookie := extractSessionCookie(resp.Header.Get("Set-Cookie"))

	switch {
	case resp.StatusCode == http.StatusFound:
		if cookie == "" {
			return nil, NewErr(KindUpstreamIdPError, "redirect without session cookie", nil)
		}
		return &LoginResult{Cookie: cookie}, nil
	case resp.StatusCode == http.StatusOK && cookie != "":
		var u IdPUser
		_ = json.Unmarshal(body, &u)
		return &LoginResult{Cookie: cookie, User: u}, nil
	default:
		msg := fmt.Sprintf("wrong account or password (status %d)", resp.StatusCode)
		if snippet := strings.TrimSpace(string(body)); snippet != "" {
			if len(snippet) > 200 {
				snippet = snippet[:200]
			}
			msg += ": " + snippet
		}
		return nil, NewErr(KindUpstreamIdPError, msg, nil)
	}
}

func extractSessionCookie(setCookie string) string {
	for _, part := range strings.Split(setCookie, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "session=") {
			return part
		}
	}
	return ""
}

// strongPasswordAlphabets back GenerateStrongPassword: one upper, one
// lower, one digit, one symbol from a fixed symbol set, total 8
// characters.
const (
	upperAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerAlphabet  = "abcdefghijklmnopqrstuvwxyz"
	digitAlphabet  = "0123456789"
	symbolAlphabet = "@#$%^&+=!"
	allAlphabet    = upperAlphabet + lowerAlphabet + digitAlphabet + symbolAlphabet
)

// GenerateStrongPassword returns an 8-char password satisfying the IdP's
// strength rule: at least one upper, one lower, one digit, one symbol.
func GenerateStrongPassword() (string, error) {
	required := []string{upperAlphabet, lowerAlphabet, digitAlphabet, symbolAlphabet}
	chars := make([]byte, 0, 8)
	for _, alphabet := range required {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	for len(chars) < 8 {
		c, err := randomChar(allAlphabet)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	if err := shuffleBytes(chars); err != nil {
		return "", err
	}
	return string(chars), nil
}

func randomChar(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[n.Int64()], nil
}

func shuffleBytes(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := jBig.Int64()
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

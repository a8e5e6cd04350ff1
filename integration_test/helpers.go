package integration_test

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"connectd/core"
)

const basePath = "/oauth2_capture"

type Connection struct {
	Slug     string `json:"slug"`
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Scope    string `json:"scope"`
}

type ListResponse struct {
	Connections []Connection `json:"connections"`
}

type ErrorResponse struct {
	Error    string `json:"error"`
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// browser is an owner's user agent: it keeps cookies and follows the
// provider redirects like a real browser would.
type browser struct {
	client  *http.Client
	baseURL string
	owner   uuid.UUID
}

func newBrowser(baseURL string, owner uuid.UUID, jwt core.JWTConfig) (*browser, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	token, err := core.GenerateOwnerToken(owner, jwt)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(u, []*http.Cookie{{Name: core.OwnerCookieName, Value: token, Path: "/"}})

	return &browser{
		client:  &http.Client{Jar: jar, Timeout: 5 * time.Second},
		baseURL: baseURL + basePath,
		owner:   owner,
	}, nil
}

// connect walks connect, consent and callback and returns the final page.
func (b *browser) connect(provider string) (int, string, error) {
	resp, err := b.client.Get(b.baseURL + "/" + provider + "/connect/")
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), err
}

func (b *browser) list() (*ListResponse, error) {
	resp, err := b.client.Get(b.baseURL + "/")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list: status %d", resp.StatusCode)
	}
	var out ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *browser) post(slug, content string) (*http.Response, error) {
	body, _ := json.Marshal(map[string]string{"content": content})
	return b.client.Post(b.baseURL+"/"+slug+"/post/", "application/json", strings.NewReader(string(body)))
}

func (b *browser) revoke(slug string) (*http.Response, error) {
	return b.client.Post(b.baseURL+"/"+slug+"/revoke/", "application/json", nil)
}

func countTokens(dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM oauth_tokens").Scan(&count)
	return count, err
}

func storedAccessToken(dbPath, slug string) (string, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var token string
	err = db.QueryRow("SELECT access_token FROM oauth_tokens WHERE slug = ?", slug).Scan(&token)
	return token, err
}

// expireToken moves a token's expiry into the past so the next use refreshes it.
func expireToken(dbPath, slug string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec("UPDATE oauth_tokens SET expires_at = ? WHERE slug = ?", time.Now().Add(-time.Minute).Unix(), slug)
	return err
}

func cleanDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("DELETE FROM oauth_tokens"); err != nil {
		return err
	}
	_, err = db.Exec("DELETE FROM owners")
	return err
}

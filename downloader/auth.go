package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"

	"wmefetch/internal"
	"wmefetch/utils"
)

const (
	// AccessTokenLifetime is how long an issued access token is reused.
	AccessTokenLifetime = 24 * time.Hour
	// RefreshTokenLifetime is how long a refresh token can mint new access tokens.
	RefreshTokenLifetime = 30 * 24 * time.Hour
)

// AuthClient manages the login, refresh and revocation of API tokens and
// keeps them in a token store file. It implements internal.Authenticator.
// All store access happens under one mutex; separate AuthClients sharing a
// store file are not coordinated.
type AuthClient struct {
	httpClient  *utils.HTTPClient
	endpoints   *utils.Endpoints
	credentials internal.Credentials
	store       *FileTokenStore
	now         func() time.Time
	mutex       sync.Mutex
}

// AuthOption configures an AuthClient.
type AuthOption func(*authOptions)

type authOptions struct {
	now       func() time.Time
	fs        billy.Filesystem
	storePath string
}

// WithClock replaces time.Now for token age checks.
func WithClock(now func() time.Time) AuthOption {
	return func(o *authOptions) {
		o.now = now
	}
}

// WithFilesystem keeps the token store on fs instead of the OS filesystem.
func WithFilesystem(fs billy.Filesystem) AuthOption {
	return func(o *authOptions) {
		o.fs = fs
	}
}

// WithTokenStorePath changes the token store location.
func WithTokenStorePath(path string) AuthOption {
	return func(o *authOptions) {
		o.storePath = path
	}
}

// NewAuthClient creates an auth client. The username and password must both
// be set.
func NewAuthClient(httpClient *utils.HTTPClient, endpoints *utils.Endpoints, creds internal.Credentials, opts ...AuthOption) (*AuthClient, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, internal.NewValidationError("credentials", "username or password not set").
			WithSuggestion("Set WME_USERNAME and WME_PASSWORD")
	}

	o := &authOptions{now: time.Now, storePath: internal.DefaultTokenStore}
	for _, opt := range opts {
		opt(o)
	}

	fileOps := utils.NewFileOperations()
	if o.fs != nil {
		fileOps = utils.NewFileOperationsFS(o.fs)
	}

	return &AuthClient{
		httpClient:  httpClient,
		endpoints:   endpoints,
		credentials: creds,
		store:       NewFileTokenStore(fileOps, o.storePath),
		now:         o.now,
	}, nil
}

// Store exposes the token store.
func (a *AuthClient) Store() *FileTokenStore {
	return a.store
}

// post sends a JSON body to an auth operation. An empty response body
// decodes to nothing.
func (a *AuthClient) post(ctx context.Context, operation string, body interface{}, out interface{}) error {
	target := a.endpoints.Auth(operation)

	resp, err := a.httpClient.Execute(ctx, http.MethodPost, target, utils.WithJSONBody(body))
	if err != nil {
		return err
	}
	if out == nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.ContentLength == 0 {
		resp.Body.Close()
		return nil
	}
	return utils.DecodeJSON(resp, out)
}

// Login authenticates with the username and password.
func (a *AuthClient) Login(ctx context.Context) (*internal.TokenResponse, error) {
	var resp internal.TokenResponse
	err := a.post(ctx, "login", map[string]string{
		"username": a.credentials.Username,
		"password": a.credentials.Password,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, internal.NewDataError("login response has no access_token", nil).
			WithURL(http.MethodPost, a.endpoints.Auth("login"))
	}
	return &resp, nil
}

// RefreshToken obtains a new access token from a refresh token.
func (a *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*internal.TokenResponse, error) {
	var resp internal.TokenResponse
	err := a.post(ctx, "token-refresh", map[string]string{
		"username":      a.credentials.Username,
		"refresh_token": refreshToken,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, internal.NewDataError("token refresh response has no access_token", nil).
			WithURL(http.MethodPost, a.endpoints.Auth("token-refresh"))
	}
	return &resp, nil
}

// RevokeToken invalidates a refresh token.
func (a *AuthClient) RevokeToken(ctx context.Context, refreshToken string) error {
	err := a.post(ctx, "token-revoke", map[string]string{
		"refresh_token": refreshToken,
	}, nil)
	if err != nil {
		return fmt.Errorf("token revoke failed: %w", err)
	}
	return nil
}

// GetAccessToken returns a valid access token. A stored access token younger
// than AccessTokenLifetime is returned without network I/O; otherwise the
// refresh token is used while younger than RefreshTokenLifetime, and a fresh
// login happens when neither is usable.
func (a *AuthClient) GetAccessToken(ctx context.Context) (string, error) {
	return a.token(ctx, false)
}

// ForceRefresh renews the access token whatever its age, using the refresh
// token while it is valid and logging in otherwise.
func (a *AuthClient) ForceRefresh(ctx context.Context) (string, error) {
	return a.token(ctx, true)
}

func (a *AuthClient) token(ctx context.Context, force bool) (string, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	store, err := a.store.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		internal.LogDebug("No token store at %s, logging in", a.store.Path())
		return a.loginAndStore(ctx)
	case errors.Is(err, internal.ErrData):
		internal.LogWarn("Ignoring unreadable token store %s, logging in: %v", a.store.Path(), err)
		return a.loginAndStore(ctx)
	case err != nil:
		return "", err
	}

	now := a.now()
	if !force && now.Sub(store.AccessTokenGeneratedAt) < AccessTokenLifetime && store.AccessToken != "" {
		return store.AccessToken, nil
	}
	if now.Sub(store.RefreshTokenGeneratedAt) < RefreshTokenLifetime && store.RefreshToken != "" {
		internal.LogDebug("Access token expired, refreshing")
		return a.refreshAndStore(ctx, store)
	}

	internal.LogDebug("Refresh token expired, logging in")
	return a.loginAndStore(ctx)
}

func (a *AuthClient) loginAndStore(ctx context.Context) (string, error) {
	resp, err := a.Login(ctx)
	if err != nil {
		return "", err
	}

	now := a.now()
	store := &internal.TokenStore{
		AccessToken:             resp.AccessToken,
		AccessTokenGeneratedAt:  now,
		RefreshToken:            resp.RefreshToken,
		RefreshTokenGeneratedAt: now,
	}
	if err := a.store.Save(store); err != nil {
		return "", err
	}
	internal.LogInfo("Logged in as %s", a.credentials.Username)
	return resp.AccessToken, nil
}

// refreshAndStore keeps the stored refresh token and its issuance time
// unless the server rotated it.
func (a *AuthClient) refreshAndStore(ctx context.Context, current *internal.TokenStore) (string, error) {
	resp, err := a.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		return "", err
	}

	now := a.now()
	store := &internal.TokenStore{
		AccessToken:             resp.AccessToken,
		AccessTokenGeneratedAt:  now,
		RefreshToken:            current.RefreshToken,
		RefreshTokenGeneratedAt: current.RefreshTokenGeneratedAt,
	}
	if resp.RefreshToken != "" {
		store.RefreshToken = resp.RefreshToken
		store.RefreshTokenGeneratedAt = now
	}
	if err := a.store.Save(store); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// ClearState revokes the stored refresh token and deletes the store. Without
// a store it does nothing. When revocation fails the store is kept; an
// unreadable store has nothing to revoke and is deleted.
func (a *AuthClient) ClearState(ctx context.Context) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.store.Exists() {
		return nil
	}

	store, err := a.store.Load()
	switch {
	case errors.Is(err, internal.ErrData):
		internal.LogWarn("Token store %s is unreadable, deleting it without revocation: %v", a.store.Path(), err)
	case err != nil:
		return err
	case strings.TrimSpace(store.RefreshToken) != "":
		if err := a.RevokeToken(ctx, store.RefreshToken); err != nil {
			return err
		}
	}

	if err := a.store.Remove(); err != nil {
		return err
	}
	internal.LogInfo("Token state cleared")
	return nil
}

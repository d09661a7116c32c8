// Package auth 通过主站接口校验token并解析用户信息
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
)

var ErrAuthFailed = errors.New("token validation failed")

// User 画布协作用户，phone用于离线通知时标识离开的用户
type User struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Resolver interface {
	Resolve(ctx context.Context, token string) (*User, error)
}

type HTTPResolver struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, *User]
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   expirable.NewLRU[string, *User](1024, nil, time.Minute),
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, token string) (*User, error) {
	if user, ok := r.cache.Get(token); ok {
		return user, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/user", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	req.Header.Set("authorization", token)

	startTime := time.Now()
	resp, err := r.client.Do(req)
	logger.DebugF("token check cost: %v", time.Since(startTime))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		User *User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.User == nil {
		return nil, ErrAuthFailed
	}

	r.cache.Add(token, body.User)
	return body.User, nil
}

// Copyright 2026 inquest-platform
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"
)

// identityKey JWT claims 中的调用方标识键
const identityKey = "caller"

// loginPayload 共享密钥换签发令牌
type loginPayload struct {
	Caller string `json:"caller"`
	APIKey string `json:"api_key"`
}

// NewJWTAuth 创建 JWT 中间件；登录用共享密钥换取令牌，
// 受保护路由校验 Bearer token
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "inquest",
		Key:         key,
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: identityKey,
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var payload loginPayload
			if err := c.BindAndValidate(&payload); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			if payload.Caller == "" ||
				subtle.ConstantTimeCompare([]byte(payload.APIKey), key) != 1 {
				return nil, jwt.ErrFailedAuthentication
			}
			return payload.Caller, nil
		},
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if caller, ok := data.(string); ok {
				return jwt.MapClaims{identityKey: caller}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			return claims[identityKey]
		},
	})
}

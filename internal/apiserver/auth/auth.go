// Package auth 请求身份：JWT 校验与 owner 注入
//
// 授权策略不在本服务范围内，这里只解析出请求方的 owner ID；
// Run 的归属检查由 run 服务完成。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey context 键类型
type contextKey string

const ctxKeyOwner contextKey = "owner_id"

// DevOwnerHeader 无认证模式下携带 owner 的请求头
const DevOwnerHeader = "X-User-ID"

// ErrNoOwner 请求未携带身份
var ErrNoOwner = errors.New("missing owner identity")

// Config 认证配置
type Config struct {
	JWTSecret      string        `yaml:"-"` // 从 JWT_SECRET 环境变量读取
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{
		Issuer:         "genflow",
		AccessTokenTTL: time.Hour,
	}
}

// Enabled 是否启用 JWT；未启用时从 X-User-ID 读取 owner（开发模式）
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明，Subject 即 owner ID
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, ownerID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithOwner 将 owner ID 注入 context
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ctxKeyOwner, ownerID)
}

// OwnerFromContext 从 context 获取 owner ID
func OwnerFromContext(ctx context.Context) (string, error) {
	owner, _ := ctx.Value(ctxKeyOwner).(string)
	if owner == "" {
		return "", ErrNoOwner
	}
	return owner, nil
}

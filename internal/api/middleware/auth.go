package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// TokenLookup 校验租户令牌是否已登记。
type TokenLookup func(ctx context.Context, token string) (bool, error)

// Auth 解析租户身份并写入上下文。
//
// 接受两种凭证：X-TOKEN 头直接携带租户令牌，
// 或 Authorization Bearer 携带登录时签发的 JWT（subject 为租户令牌）。
func Auth(jwtSecret string, lookup TokenLookup) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		token := c.GetHeader("X-TOKEN")
		if token == "" {
			token = tokenFromJWT(c.GetHeader("Authorization"), secret)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-TOKEN header missing"})
			c.Abort()
			return
		}

		ok, err := lookup(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
			c.Abort()
			return
		}
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("token", token)
		c.Next()
	}
}

func tokenFromJWT(authHeader string, secret []byte) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return ""
	}
	return claims.Subject
}

// TenantToken 读取 Auth 中间件写入的租户令牌。
func TenantToken(c *gin.Context) string {
	return c.GetString("token")
}

package handler

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/whrit/flow-agent-sub011/internal/core"
)

// 认证中间件写入 gin.Context 的键
const (
	ctxKeyClaims  = "token_claims"
	ctxKeySubject = "subject"
)

// AuthMiddleware 校验 Bearer 令牌，通过后记录调用方身份
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c.GetHeader("Authorization"))
		if msg != "" {
			core.AbortWithMessage(c, core.ErrUnauthorized, msg)
			return
		}

		claims, err := core.VerifyToken(token, secret)
		switch {
		case errors.Is(err, core.ErrTokenExpired):
			core.AbortWithMessage(c, core.ErrUnauthorized, "Token 已过期")
			return
		case err != nil:
			core.AbortWithMessage(c, core.ErrUnauthorized, "无效的 Token")
			return
		}

		c.Set(ctxKeyClaims, claims)
		c.Set(ctxKeySubject, claims.Subject)
		c.Next()
	}
}

// bearerToken 从 Authorization 头取出令牌，失败时返回提示信息
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "缺少认证信息"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", "认证格式错误"
	}
	return strings.TrimSpace(token), ""
}

// Subject 当前请求的调用方，未经认证时为空
func Subject(c *gin.Context) string {
	return c.GetString(ctxKeySubject)
}

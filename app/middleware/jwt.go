package middleware

import (
	"net/http"
	"strings"

	"voice-fusion/app/auth"
	"voice-fusion/app/config"

	"github.com/gin-gonic/gin"
)

// 上下文中的调用方信息
const (
	ContextOwnerID   = "owner_id"
	ContextCanSubmit = "can_submit"
)

// JWTAuth JWT认证中间件
func JWTAuth(cfg *config.Config) gin.HandlerFunc {
	jwtService := auth.NewJWTService(cfg)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header is required",
				"data":    nil,
			})
			return
		}

		// 检查Bearer前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header format must be Bearer {token}",
				"data":    nil,
			})
			return
		}

		claims, err := jwtService.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Invalid token: " + err.Error(),
				"data":    nil,
			})
			return
		}

		c.Set(ContextOwnerID, claims.UserID)
		c.Set(ContextCanSubmit, claims.CanSubmit)
		c.Next()
	}
}

// OwnerID 当前调用方ID
func OwnerID(c *gin.Context) string {
	return c.GetString(ContextOwnerID)
}

// CanSubmit 当前调用方是否允许提交任务
func CanSubmit(c *gin.Context) bool {
	return c.GetBool(ContextCanSubmit)
}

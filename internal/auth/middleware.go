package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey 上下文键类型
type ContextKey string

// PrincipalContextKey 调用主体上下文键
const PrincipalContextKey ContextKey = "principal"

// Principal 请求主体
// 网关只区分普通调用方与管理员，角色来自外部签发的令牌。
type Principal struct {
	OwnerID string
	Role    string
}

// RequireOwner JWT 认证中间件
// 验证 Bearer 令牌并将主体写入上下文，后续 handler 经 GetPrincipal 读取。
func RequireOwner(jwtService *JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "缺少认证令牌",
			})
			c.Abort()
			return
		}

		token := ExtractTokenFromBearer(authHeader)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "无效的令牌格式",
			})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "令牌验证失败: " + err.Error(),
			})
			c.Abort()
			return
		}

		if claims.OwnerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "令牌缺少主体标识",
			})
			c.Abort()
			return
		}

		c.Set(string(PrincipalContextKey), &Principal{
			OwnerID: claims.OwnerID,
			Role:    claims.Role,
		})

		c.Next()
	}
}

// RequireAdmin 管理员角色检查中间件
// 必须排在 RequireOwner 之后。
func RequireAdmin(adminRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, exists := GetPrincipal(c)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "未认证",
			})
			c.Abort()
			return
		}

		if !strings.EqualFold(principal.Role, adminRole) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "角色权限不足",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetPrincipal 从 Gin Context 获取请求主体
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(string(PrincipalContextKey))
	if !exists {
		return nil, false
	}

	principal, ok := v.(*Principal)
	return principal, ok
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginMatcher は許可リストとOriginを照合する関数を返す。
// 大文字小文字と末尾の "/" は区別しない。"*" を含む場合は空でない全オリジンに一致する。
func OriginMatcher(allowedOrigins []string) func(origin string) bool {
	set := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		set[normalizeOrigin(o)] = struct{}{}
	}
	_, allowAll := set["*"]
	return func(origin string) bool {
		if origin == "" {
			return false
		}
		if allowAll {
			return true
		}
		_, ok := set[normalizeOrigin(origin)]
		return ok
	}
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

// CORS は現場向けダッシュボードから通知APIを呼び出せるよう、許可したオリジンにCORSヘッダーを付けるミドルウェアを返す。
// OPTIONSはハンドラーに渡さず204で返す。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := OriginMatcher(allowedOrigins)
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); allowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

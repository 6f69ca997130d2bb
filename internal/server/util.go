package server

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase turns http_base_path into a gin group prefix: rooted, cleaned,
// no trailing slash, "" for the root.
func sanitizeBase(bp string) string {
	bp = path.Clean("/" + strings.TrimSpace(bp))
	if bp == "/" {
		return ""
	}
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

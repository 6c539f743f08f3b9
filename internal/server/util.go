package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/redeployr/internal/auth"
)

const defaultDeploymentsLimit = 20

type errorResp struct {
	Error string `json:"error"`
}

// normalizeBasePath returns "" for the root and otherwise a path with a
// leading slash and no trailing one.
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

// queryLimit reports false for a present but malformed or negative limit.
func queryLimit(c *gin.Context, def int) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// actorOf names the authenticated caller, or "anonymous" when admin auth is
// disabled.
func actorOf(c *gin.Context) string {
	if v, ok := c.Get(string(auth.ResultKey)); ok {
		if res, ok := v.(*auth.Result); ok && res.Subject != "" {
			return res.Subject
		}
	}
	return "anonymous"
}

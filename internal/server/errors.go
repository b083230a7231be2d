package server

import (
	"github.com/gin-gonic/gin"
	"github.com/tsylvester/paynless-framework-sub011/internal/apperr"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(err error) (int, gin.H) {
	status := apperr.StatusOf(err)
	body := errorBody{Code: apperr.CodeOf(err), Message: err.Error()}
	if e, ok := apperr.As(err); ok {
		body.Message = e.Message
	}
	if body.Code == apperr.CodeInternal {
		body.Message = "internal server error"
	}
	return status, gin.H{"error": body}
}

func writeError(c *gin.Context, err error) {
	status, payload := errorPayload(err)
	c.JSON(status, payload)
}

// writeErrorWithResult reports err and still returns what was recorded.
func writeErrorWithResult(c *gin.Context, err error, result any) {
	status, payload := errorPayload(err)
	payload["result"] = result
	c.JSON(status, payload)
}

func abortWithError(c *gin.Context, err error) {
	status, payload := errorPayload(err)
	c.AbortWithStatusJSON(status, payload)
}

package core

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response represents a unified API response structure
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// getRequestID extracts request ID from gin context
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

// Success sends a success response with data
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      int(ErrSuccess),
		Message:   GetErrorMessage(ErrSuccess),
		Data:      data,
		Timestamp: time.Now().Unix(),
		RequestID: getRequestID(c),
	})
}

// FailWithCode sends a failure response with specific error code
func FailWithCode(c *gin.Context, code ErrorCode) {
	FailWithMessage(c, code, GetErrorMessage(code))
}

// FailWithMessage sends a failure response with custom message
func FailWithMessage(c *gin.Context, code ErrorCode, message string) {
	c.JSON(GetHTTPStatus(code), Response{
		Code:      int(code),
		Message:   message,
		Timestamp: time.Now().Unix(),
		RequestID: getRequestID(c),
	})
}

// FailWithError sends a failure response from an AppError.
// Classification flags travel in data so callers can decide on retries.
func FailWithError(c *gin.Context, err *AppError) {
	if err == nil {
		FailWithCode(c, ErrInternalServer)
		return
	}

	message := err.Message
	if err.Detail != "" {
		message = err.Message + ": " + err.Detail
	}

	c.JSON(err.HTTPStatus(), Response{
		Code:    int(err.Code),
		Message: message,
		Data: gin.H{
			"kind":        err.Kind,
			"recoverable": err.Recoverable,
			"retryable":   err.Retryable,
			"context":     err.Context,
		},
		Timestamp: time.Now().Unix(),
		RequestID: getRequestID(c),
	})
}

// HandleError handles an error and sends appropriate response
func HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	if appErr := GetAppError(err); appErr != nil {
		FailWithError(c, appErr)
		return
	}
	FailWithMessage(c, ErrInternalServer, err.Error())
}

// AbortWithMessage sends a failure response with custom message and aborts
func AbortWithMessage(c *gin.Context, code ErrorCode, message string) {
	c.AbortWithStatusJSON(GetHTTPStatus(code), Response{
		Code:      int(code),
		Message:   message,
		Timestamp: time.Now().Unix(),
		RequestID: getRequestID(c),
	})
}

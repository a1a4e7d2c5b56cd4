package handlers

import (
	"errors"
	"net/http"

	"faqforge/internal/services"

	"gorm.io/gorm"
)

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse wraps list endpoints.
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse wraps mutation acknowledgements.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errStatus maps service-layer errors onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case services.IsValidation(err):
		return http.StatusBadRequest
	case services.IsConflict(err):
		return http.StatusConflict
	case services.IsQuota(err):
		return http.StatusTooManyRequests
	case services.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	p := int(total) / pageSize
	if int(total)%pageSize != 0 {
		p++
	}
	return p
}

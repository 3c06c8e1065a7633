package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/dto"
	"github.com/ignatzorin/bounty-escrow/internal/http/middleware"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
)

var (
	// ErrUserNotFound - в контексте нет пользователя (нет AuthMiddleware).
	ErrUserNotFound = errors.New("пользователь не найден в контексте")

	ErrInvalidUUID = errors.New("неверный формат UUID")
)

// CurrentUserID извлекает userID, положенный AuthMiddleware.
func CurrentUserID(c *gin.Context) (uuid.UUID, error) {
	raw, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return uuid.Nil, ErrUserNotFound
	}

	userID, ok := raw.(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrUserNotFound
	}

	return userID, nil
}

func ParseUUIDParam(c *gin.Context, paramName string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(c.Param(paramName))
	if err != nil {
		return uuid.Nil, ErrInvalidUUID
	}
	return parsed, nil
}

// BindAndValidate читает JSON и проверяет правила запроса.
// Пустое тело допустимо для запросов без обязательных полей.
func BindAndValidate(c *gin.Context, req validation.Validatable) error {
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(req); err != nil {
			return apperror.Wrap(err, apperror.ErrCodeBadRequest, "некорректное тело запроса")
		}
	}
	if err := req.Validate(); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeValidation, err.Error())
	}
	return nil
}

// Fail передаёт ошибку в ErrorHandler.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func RespondError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, dto.ErrorResponse{Error: message})
}

func RespondJSON(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = "требуется авторизация"
	}
	RespondError(c, http.StatusUnauthorized, message)
}

func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = "некорректный запрос"
	}
	RespondError(c, http.StatusBadRequest, message)
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/bounty-escrow/internal/dto"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
)

// ErrorHandler переводит ошибки из c.Errors в ответ клиенту.
// Доменные ошибки отдаются с кодом и причиной, остальные маскируются.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		fields := logrus.Fields{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		}

		if appErr, ok := apperror.As(err); ok {
			switch {
			case appErr.HTTPStatus < http.StatusInternalServerError:
				logger.Log.WithFields(fields).WithError(err).Debug("request rejected")
				c.JSON(appErr.HTTPStatus, dto.ErrorResponse{Error: appErr.Message, Reason: appErr.Reason})
				return
			case appErr.Code == apperror.ErrCodeUnavailable:
				logger.Log.WithFields(fields).WithError(err).Warn("request failed: dependency unavailable")
				c.JSON(appErr.HTTPStatus, dto.ErrorResponse{Error: appErr.Message, Reason: appErr.Reason})
				return
			}
		}

		logger.Log.WithFields(fields).WithError(err).Error("request error")
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "внутренняя ошибка сервера"})
	}
}

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"broadcast-scheduling-backend/pkg/scheduling"
	"broadcast-scheduling-backend/pkg/utils"
)

// writeServiceError 把领域错误映射成HTTP状态码
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, now time.Time, err error) {
	var reqErr *utils.RequestError
	if errors.As(err, &reqErr) {
		var details interface{}
		if len(reqErr.Fields) > 1 {
			details = reqErr.Fields
		}
		utils.WriteValidationErrorResponse(w, reqErr.Message, reqErr.Field, details)
		return
	}

	domainErr, ok := scheduling.AsError(err)
	if !ok {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		utils.WriteInternalServerErrorResponse(w, "Internal server error occurred")
		return
	}

	switch domainErr.Kind {
	case scheduling.KindValidation:
		utils.WriteValidationErrorResponse(w, domainErr.Error(), domainErr.Field, nil)
	case scheduling.KindNotFound, scheduling.KindForbidden:
		// 不暴露他人线程是否存在
		utils.WriteNotFoundResponse(w, domainErr.Message)
	case scheduling.KindRateLimited:
		utils.WriteTooManyRequestsResponse(w, domainErr.Message, domainErr.NextAvailableAt, now)
	case scheduling.KindPaymentRequired:
		utils.WritePaymentRequiredResponse(w, domainErr.Message)
	case scheduling.KindCapacity:
		utils.WriteErrorResponseWithCode(w, http.StatusBadRequest, "CAPACITY_EXCEEDED", domainErr.Message, map[string]int{
			"current": domainErr.Current,
			"max":     domainErr.Max,
		})
	case scheduling.KindConflict:
		logger.Warn("write conflict", "path", r.URL.Path, "error", err)
		utils.WriteConflictResponse(w, domainErr.Message)
	default:
		logger.Error("unmapped domain error", "kind", string(domainErr.Kind), "error", err)
		utils.WriteInternalServerErrorResponse(w, "Internal server error occurred")
	}
}

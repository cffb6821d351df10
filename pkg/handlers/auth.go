package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"broadcast-scheduling-backend/pkg/billing"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/utils"
)

// AuthHandler 返回当前会话用户及其订阅状态。令牌签发不在本服务内。
type AuthHandler struct {
	db     database.DatabaseInterface
	gate   billing.Gate
	logger *slog.Logger
}

func NewAuthHandler(db database.DatabaseInterface, gate billing.Gate, logger *slog.Logger) *AuthHandler {
	if gate == nil {
		gate = billing.AllowAll{}
	}
	return &AuthHandler{db: db, gate: gate, logger: logger}
}

// Me GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}

	// 未在本地登记的用户按免费用户处理
	sub, err := h.db.GetUserWithSubscription(r.Context(), user.ID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		sub = &models.UserWithSubscription{User: *user, Tier: models.TierFree}
	case err != nil:
		h.logger.Error("load subscription", "user_id", user.ID, "error", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to load user")
		return
	}

	actions := map[string]bool{}
	for _, action := range []billing.Action{billing.ActionRemind, billing.ActionFinalize} {
		decision, err := h.gate.Check(r.Context(), user.ID, action)
		// 与调度服务一致：闸门故障时放行
		actions[string(action)] = err != nil || decision.Allowed
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"user": map[string]interface{}{
			"id":    user.ID,
			"email": user.Email,
		},
		"tier":                string(sub.Tier),
		"subscription_status": string(sub.SubscriptionStatus),
		"is_lifetime_member":  sub.IsLifetimeMember,
		"allowed_actions":     actions,
	})
}

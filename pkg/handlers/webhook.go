package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/config"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/utils"
)

// maxSignatureAge 拒绝过旧的回调，防止重放
const maxSignatureAge = 5 * time.Minute

// WebhookHandler 处理支付平台回调，更新组织者的订阅状态（计费闸门据此放行或拦截）
type WebhookHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookHandler 创建新的webhook处理器
func NewWebhookHandler(cfg *config.Config, db database.DatabaseInterface, logger *slog.Logger, now func() time.Time) *WebhookHandler {
	if now == nil {
		now = time.Now
	}
	return &WebhookHandler{config: cfg, db: db, logger: logger, now: now}
}

// BillingEvent 回调事件结构
type BillingEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// billingSubscription 订阅与交易共用的数据结构
type billingSubscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  []struct {
		PriceID string `json:"price_id"`
		Price   struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
	CustomData map[string]interface{} `json:"custom_data"`
}

func (s billingSubscription) userID() string {
	id, _ := s.CustomData["user_id"].(string)
	return strings.TrimSpace(id)
}

// HandleBillingWebhook POST /api/billing/webhook
func (h *WebhookHandler) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.config.BillingWebhookSecret == "" {
		utils.WriteErrorResponseWithCode(w, http.StatusServiceUnavailable, "WEBHOOK_DISABLED", "Billing webhook is not configured", nil)
		return
	}

	// 读取请求体
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.WriteBadRequestResponse(w, "Failed to read request body")
		return
	}

	// 验证webhook签名
	if err := h.verifySignature(r.Header.Get("Paddle-Signature"), body); err != nil {
		h.logger.Warn("rejected billing webhook", "error", err)
		utils.WriteUnauthorizedResponse(w, "Invalid webhook signature")
		return
	}

	var event BillingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid webhook payload")
		return
	}

	var sub billingSubscription
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &sub); err != nil {
			utils.WriteBadRequestResponse(w, "Invalid webhook payload")
			return
		}
	}

	var (
		tier   models.UserTier
		status models.SubscriptionStatus
	)
	switch event.EventType {
	case "transaction.completed":
		tier, status = h.tierFromItems(sub), models.StatusActive
	case "subscription.created", "subscription.activated", "subscription.updated",
		"subscription.past_due", "subscription.paused", "subscription.resumed":
		status = subscriptionStatus(sub.Status)
		tier = h.tierFromItems(sub)
	case "subscription.canceled":
		tier, status = models.TierFree, models.StatusCanceled
	default:
		h.logger.Info("ignored billing webhook", "event_type", event.EventType, "event_id", event.EventID)
		utils.WriteSuccessResponse(w, map[string]string{"status": "ignored"})
		return
	}

	userID := sub.userID()
	if userID == "" {
		utils.WriteBadRequestResponse(w, "missing user_id in custom_data")
		return
	}
	if err := h.updateSubscription(r, userID, tier, status); err != nil {
		h.logger.Error("failed to apply billing webhook",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"user_id", userID,
			"error", err,
		)
		utils.WriteInternalServerErrorResponse(w, "Failed to process webhook")
		return
	}

	h.logger.Info("applied billing webhook",
		"event_type", event.EventType,
		"event_id", event.EventID,
		"user_id", userID,
		"tier", string(tier),
		"subscription_status", string(status),
	)
	utils.WriteSuccessResponse(w, map[string]string{"status": "processed"})
}

// verifySignature 校验 "ts=<unix>;h1=<hex hmac>"，签名内容为 ts + ":" + body
func (h *WebhookHandler) verifySignature(header string, body []byte) error {
	if header == "" {
		return errors.New("missing signature header")
	}

	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "ts="):
			ts = strings.TrimPrefix(part, "ts=")
		case strings.HasPrefix(part, "h1="):
			h1 = strings.TrimPrefix(part, "h1=")
		}
	}
	if ts == "" || h1 == "" {
		return errors.New("invalid signature format")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp: %w", err)
	}
	if age := h.now().Sub(time.Unix(unix, 0)); age > maxSignatureAge || age < -maxSignatureAge {
		return fmt.Errorf("signature timestamp outside window (%s)", age.Round(time.Second))
	}

	if !hmac.Equal([]byte(h1), []byte(SignBillingPayload(h.config.BillingWebhookSecret, ts, body))) {
		return errors.New("signature mismatch")
	}
	return nil
}

// SignBillingPayload 计算回调签名
func SignBillingPayload(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// tierFromItems 通过价格ID确定用户等级
func (h *WebhookHandler) tierFromItems(sub billingSubscription) models.UserTier {
	for _, item := range sub.Items {
		priceID := item.PriceID
		if priceID == "" {
			priceID = item.Price.ID
		}
		switch {
		case priceID == "":
		case priceID == h.config.BillingPowerPriceID:
			return models.TierPower
		case priceID == h.config.BillingProPriceID:
			return models.TierPro
		}
	}
	return ""
}

func subscriptionStatus(raw string) models.SubscriptionStatus {
	switch strings.ToLower(raw) {
	case "active", "trialing":
		return models.StatusActive
	case "past_due":
		return models.StatusPastDue
	case "canceled", "paused":
		return models.StatusCanceled
	case "unpaid":
		return models.StatusUnpaid
	default:
		return models.StatusIncomplete
	}
}

// updateSubscription 写入用户订阅。tier 为空时保留原等级。
func (h *WebhookHandler) updateSubscription(r *http.Request, userID string, tier models.UserTier, status models.SubscriptionStatus) error {
	now := h.now().UTC()
	user, err := h.db.GetUserWithSubscription(r.Context(), userID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		user = &models.UserWithSubscription{User: models.User{ID: userID, CreatedAt: now}}
	case err != nil:
		return fmt.Errorf("load user: %w", err)
	}
	if tier != "" {
		user.Tier = tier
	}
	user.SubscriptionStatus = status
	user.UpdatedAt = now
	return h.db.PutUser(r.Context(), user)
}

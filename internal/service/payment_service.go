package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/digkill/persobi-video-bot/internal/config"
	"github.com/digkill/persobi-video-bot/internal/ledger"
	"github.com/digkill/persobi-video-bot/internal/models"
	"github.com/digkill/persobi-video-bot/internal/repository"
)

const yooKassaPaymentsURL = "https://api.yookassa.ru/v3/payments"

// PaymentService turns purchased top-up packages into wallet credits.
// Two flows are supported: native Telegram invoices and YooKassa
// redirect payments confirmed by webhook. Both settle through
// ledger.AddBalance so every top-up lands in wallet history.
type PaymentService struct {
	cfg      config.Config
	payments *repository.PaymentRepository
	ledger   *ledger.Service
	plans    *PlanService
	client   *http.Client
	log      *slog.Logger
}

func NewPaymentService(cfg config.Config, payments *repository.PaymentRepository, l *ledger.Service, plans *PlanService, log *slog.Logger) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		payments: payments,
		ledger:   l,
		plans:    plans,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// SendInvoice starts a purchase of the given plan (0 means the default
// plan) via whichever payment provider is configured.
func (s *PaymentService) SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, userID, chatID int64, planID int64) error {
	plan, err := s.resolvePlan(ctx, planID)
	if err != nil {
		return err
	}

	switch strings.ToLower(s.cfg.PaymentProvider) {
	case "telegram", "":
		return s.sendTelegramInvoice(bot, chatID, plan)
	case "yookassa":
		return s.sendYooKassaLink(ctx, bot, userID, chatID, plan)
	default:
		return fmt.Errorf("unsupported payment provider: %s", s.cfg.PaymentProvider)
	}
}

func (s *PaymentService) sendTelegramInvoice(bot *tgbotapi.BotAPI, chatID int64, plan *models.Plan) error {
	payload, _ := json.Marshal(map[string]any{"plan_id": plan.ID})

	description := plan.Description
	if description == "" {
		description = "Пополнение баланса"
	}

	invoice := tgbotapi.NewInvoice(chatID,
		plan.Title,
		description,
		string(payload),
		s.cfg.TelegramPaymentProviderToken,
		"topup",
		plan.Currency,
		[]tgbotapi.LabeledPrice{{
			Label:  fmt.Sprintf("%d кредитов", plan.Credits),
			Amount: plan.PriceMinorUnits,
		}},
	)
	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *PaymentService) sendYooKassaLink(ctx context.Context, bot *tgbotapi.BotAPI, userID, chatID int64, plan *models.Plan) error {
	payment, err := s.createYooKassaPayment(ctx, plan)
	if err != nil {
		return err
	}

	planID := plan.ID
	record := &models.Payment{
		UserID:         userID,
		PlanID:         &planID,
		Provider:       "yookassa",
		ProviderCharge: payment.ID,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
		Status:         payment.Status,
		RawPayload:     string(mustJSON(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	s.log.Info("yookassa payment created", "user_id", userID, "payment_id", payment.ID, "plan_id", plan.ID)

	text := fmt.Sprintf(
		"Оплата через ЮKassa:\nПакет: %s\nСумма: %.2f %s\nСсылка на оплату: %s\nПосле оплаты кредиты зачислятся автоматически.",
		plan.Title, float64(plan.PriceMinorUnits)/100, plan.Currency, payment.Confirmation.URL)
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

func (s *PaymentService) HandlePreCheckout(bot *tgbotapi.BotAPI, query *tgbotapi.PreCheckoutQuery) error {
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if _, err := bot.Request(answer); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment credits the purchased package after Telegram
// confirms the charge.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, userID int64, payment *tgbotapi.SuccessfulPayment) error {
	var invoice struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &invoice); err != nil {
		return fmt.Errorf("parse invoice payload: %w", err)
	}

	plan, err := s.resolvePlan(ctx, invoice.PlanID)
	if err != nil {
		return err
	}

	if err := s.ledger.AddBalance(ctx, userID, plan.Credits, "Пополнение: "+plan.Title); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	s.log.Info("payment settled", "user_id", userID, "credits", plan.Credits, "provider", "telegram")

	planID := plan.ID
	record := &models.Payment{
		UserID:         userID,
		PlanID:         &planID,
		Provider:       "telegram",
		ProviderCharge: payment.ProviderPaymentChargeID,
		Currency:       payment.Currency,
		Amount:         payment.TotalAmount,
		Status:         "paid",
		RawPayload:     string(mustJSON(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

// HandleYooKassaWebhook processes a payment status callback. Replays of
// an already settled payment are acknowledged without a second credit.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, "yookassa", evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for id=%s", evt.Object.ID)
	}
	if pmt.Status == "paid" {
		return nil
	}

	if evt.Object.Status != "succeeded" {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, evt.Object.Status, string(payload)); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		return nil
	}

	if pmt.PlanID == nil {
		return fmt.Errorf("payment %d has no plan", pmt.ID)
	}
	plan, err := s.plans.GetByID(ctx, *pmt.PlanID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("plan %d not found for payment", *pmt.PlanID)
	}
	if err := s.ledger.AddBalance(ctx, pmt.UserID, plan.Credits, "Пополнение: "+plan.Title); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if err := s.payments.UpdateStatus(ctx, pmt.ID, "paid", string(payload)); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	s.log.Info("payment settled", "user_id", pmt.UserID, "credits", plan.Credits, "provider", "yookassa")
	return nil
}

// resolvePlan returns the requested plan, falling back to the default
// package when the id is zero or stale.
func (s *PaymentService) resolvePlan(ctx context.Context, planID int64) (*models.Plan, error) {
	if planID > 0 {
		plan, err := s.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("get plan: %w", err)
		}
		if plan != nil {
			return plan, nil
		}
	}
	plan, err := s.plans.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("fallback plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("no active plan configured")
	}
	return plan, nil
}

type yooKassaPayment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, plan *models.Plan) (*yooKassaPayment, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}

	body, _ := json.Marshal(map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%.2f", float64(plan.PriceMinorUnits)/100),
			"currency": plan.Currency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"capture":     true,
		"description": fmt.Sprintf("%s (%d кредитов)", plan.Title, plan.Credits),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yooKassaPaymentsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	var parsed yooKassaPayment
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("yookassa response missing id or confirmation url")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return &parsed, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/digkill/persobi-video-bot/internal/config"
	"github.com/digkill/persobi-video-bot/internal/ledger"
	"github.com/digkill/persobi-video-bot/internal/orchestrator"
	"github.com/digkill/persobi-video-bot/internal/service"
	"github.com/digkill/persobi-video-bot/internal/session"
)

const (
	pendingDuration = "await_duration"
	pendingSound    = "await_sound"
)

type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	orch       *orchestrator.Orchestrator
	ledger     *ledger.Service
	promo      *service.PromoService
	payments   *service.PaymentService
	plans      *service.PlanService
	sessions   session.Store
	httpClient *http.Client
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, orch *orchestrator.Orchestrator, l *ledger.Service, promo *service.PromoService, payments *service.PaymentService, plans *service.PlanService, sessions session.Store) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		orch:       orch,
		ledger:     l,
		promo:      promo,
		payments:   payments,
		plans:      plans,
		sessions:   sessions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	return b.loop(ctx, updates)
}

// loop dispatches every update on its own goroutine: a generation takes
// minutes and must not hold up other users' messages or payments. The
// ledger's conditional charge keeps concurrent requests safe.
func (b *Bot) loop(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.PreCheckoutQuery != nil:
		if err := b.payments.HandlePreCheckout(b.api, update.PreCheckoutQuery); err != nil {
			b.log.Error("pre-checkout failed", "err", err)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 {
		if err := b.handlePhoto(ctx, msg); err != nil {
			b.log.Error("photo intake failed", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось сохранить фото, попробуйте снова.")
		}
		return
	}

	if msg.Video != nil {
		if err := b.handleVideo(ctx, msg); err != nil {
			b.log.Error("video intake failed", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось сохранить видео, попробуйте снова.")
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		b.sendText(msg.Chat.ID, "Пришлите текст или фото, и я сделаю из него короткое видео.")
		return
	}
	b.startIntake(ctx, msg.From, msg.Chat.ID, &session.Session{Prompt: text})
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		name := ""
		if msg.From != nil {
			name = msg.From.FirstName
		}
		text := fmt.Sprintf(
			"Привет, %s!\n\nЯ делаю короткие видео по описанию или фото. Первые %d превью — бесплатно, дальше с баланса.\n\nПросто пришлите текст или фото.\n\nКоманды:\n/price — тарифы\n/balance — баланс\n/buy — купить кредиты\n/promo КОД — промокод\n/help — помощь",
			name, ledger.FreeQuota,
		)
		b.sendText(msg.Chat.ID, text)
	case "help":
		b.sendText(msg.Chat.ID, "Пришлите текст или фото — я спрошу длительность и звук, затем сгенерирую превью.\nПод готовым видео есть кнопки «Ещё раз» и «Буст» (улучшенная версия по отдельному тарифу).")
	case "price":
		b.sendText(msg.Chat.ID, fmt.Sprintf(
			"Тарифы за превью:\nдо 6 сек: %d без звука / %d со звуком\nот 6 сек: %d без звука / %d со звуком\n\nБуст:\nдо 6 сек: %d / %d\nот 6 сек: %d / %d\n\nПервые %d превью бесплатно.",
			ledger.Price(5, false), ledger.Price(5, true),
			ledger.Price(10, false), ledger.Price(10, true),
			ledger.BoostPrice(5, false), ledger.BoostPrice(5, true),
			ledger.BoostPrice(10, false), ledger.BoostPrice(10, true),
			ledger.FreeQuota,
		))
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		b.handleBuy(ctx, msg)
	case "promo":
		b.handlePromo(ctx, msg)
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Пришлите текст или фото, либо /help.")
	}
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	userID := b.userID(msg.From, msg.Chat.ID)
	if err := b.ledger.EnsureUser(ctx, userID, b.username(msg.From)); err != nil {
		b.log.Error("ensure user balance", "err", err)
		return
	}
	balance, err := b.ledger.Balance(ctx, userID)
	if err != nil {
		b.log.Error("get balance", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить баланс, попробуйте позже.")
		return
	}
	freeUsed, err := b.ledger.FreeUsed(ctx, userID)
	if err != nil {
		b.log.Error("get free used", "err", err)
		return
	}
	freeLeft := ledger.FreeQuota - freeUsed
	if freeLeft < 0 {
		freeLeft = 0
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Баланс: %d кредитов\nБесплатных превью осталось: %d", balance, freeLeft))
}

func (b *Bot) handleBuy(ctx context.Context, msg *tgbotapi.Message) {
	userID := b.userID(msg.From, msg.Chat.ID)
	if err := b.ledger.EnsureUser(ctx, userID, b.username(msg.From)); err != nil {
		b.log.Error("ensure user buy", "err", err)
		return
	}

	plans, err := b.plans.ListActive(ctx)
	if err != nil {
		b.log.Error("list plans", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить список пакетов. Попробуйте позже.")
		return
	}
	if len(plans) == 0 {
		b.sendText(msg.Chat.ID, "Пакеты пока не настроены.")
		return
	}
	if len(plans) == 1 {
		if err := b.payments.SendInvoice(ctx, b.api, userID, msg.Chat.ID, plans[0].ID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось отправить счет. Попробуйте позже.")
		}
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(plans))
	for _, p := range plans {
		label := fmt.Sprintf("%s — %d кредитов за %.2f %s", p.Title, p.Credits, float64(p.PriceMinorUnits)/100, p.Currency)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "buy:"+strconv.FormatInt(p.ID, 10)),
		))
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, "Выберите пакет:")
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(out); err != nil {
		b.log.Error("send plan keyboard", "err", err)
	}
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	userID := b.userID(msg.From, msg.Chat.ID)
	if err := b.ledger.EnsureUser(ctx, userID, b.username(msg.From)); err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Формат: /promo КОД")
		return
	}
	if err := b.promo.Apply(ctx, userID, code, b.cfg.PromoBonusCredits); err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "Промокод недействителен.")
		case errors.Is(err, service.ErrPromoExhausted):
			b.sendText(msg.Chat.ID, "Промокод уже исчерпан.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "Этот промокод уже использован.")
		default:
			b.log.Error("apply promo", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось применить промокод, попробуйте позже.")
		}
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Промокод активирован! +%d кредитов.", b.cfg.PromoBonusCredits))
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	userID := b.userID(msg.From, msg.Chat.ID)
	if err := b.ledger.EnsureUser(ctx, userID, b.username(msg.From)); err != nil {
		b.log.Error("ensure user payment", "err", err)
		return
	}
	if err := b.payments.HandleSuccessfulPayment(ctx, userID, msg.SuccessfulPayment); err != nil {
		b.log.Error("process successful payment", "err", err)
		return
	}
	b.sendText(msg.Chat.ID, "Оплата успешно получена! Кредиты зачислены.")
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) error {
	photo := msg.Photo[len(msg.Photo)-1]
	path, err := b.downloadToDisk(ctx, photo.FileID, ".jpg")
	if err != nil {
		return err
	}
	s := &session.Session{
		Prompt:    strings.TrimSpace(msg.Caption),
		ImagePath: path,
	}
	b.startIntake(ctx, msg.From, msg.Chat.ID, s)
	return nil
}

func (b *Bot) handleVideo(ctx context.Context, msg *tgbotapi.Message) error {
	path, err := b.downloadToDisk(ctx, msg.Video.FileID, ".mp4")
	if err != nil {
		return err
	}
	s := &session.Session{
		Prompt:    strings.TrimSpace(msg.Caption),
		VideoPath: path,
	}
	b.startIntake(ctx, msg.From, msg.Chat.ID, s)
	return nil
}

// startIntake stores the pending request and asks for the duration.
func (b *Bot) startIntake(ctx context.Context, from *tgbotapi.User, chatID int64, s *session.Session) {
	userID := b.userID(from, chatID)
	if err := b.ledger.EnsureUser(ctx, userID, b.username(from)); err != nil {
		b.log.Error("ensure user intake", "err", err)
		return
	}
	s.PendingKind = pendingDuration
	if err := b.sessions.Put(ctx, userID, s); err != nil {
		b.log.Error("save pending session", "err", err)
		b.sendText(chatID, "Что-то пошло не так, попробуйте снова.")
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("5 секунд", "dur:5"),
			tgbotapi.NewInlineKeyboardButtonData("10 секунд", "dur:10"),
		),
	)
	out := tgbotapi.NewMessage(chatID, "Какой длины сделать видео?")
	out.ReplyMarkup = keyboard
	if _, err := b.api.Send(out); err != nil {
		b.log.Error("send duration keyboard", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Telegram omits Message for callbacks from messages that are too old.
	if cb.Message == nil {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Сообщение устарело, начните заново.")); err != nil {
			b.log.Error("callback ack", "err", err)
		}
		return
	}
	chatID := cb.Message.Chat.ID
	userID := b.userID(cb.From, chatID)
	data := cb.Data

	ack := func(text string) {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
			b.log.Error("callback ack", "err", err)
		}
	}

	switch {
	case strings.HasPrefix(data, "dur:"):
		dur, err := strconv.ParseFloat(strings.TrimPrefix(data, "dur:"), 64)
		if err != nil || dur <= 0 {
			ack("Неизвестный выбор")
			return
		}
		s, err := b.sessions.Get(ctx, userID)
		if err != nil || s == nil || s.PendingKind != pendingDuration {
			ack("")
			b.sendText(chatID, "Пришлите текст или фото, чтобы начать.")
			return
		}
		s.DurationSec = dur
		s.PendingKind = pendingSound
		if err := b.sessions.Put(ctx, userID, s); err != nil {
			b.log.Error("save pending session", "err", err)
			return
		}
		ack("")
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Со звуком", "snd:1"),
				tgbotapi.NewInlineKeyboardButtonData("Без звука", "snd:0"),
			),
		)
		out := tgbotapi.NewMessage(chatID, fmt.Sprintf("Звук нужен? (со звуком — %d кредитов, без — %d)",
			ledger.Price(dur, true), ledger.Price(dur, false)))
		out.ReplyMarkup = keyboard
		if _, err := b.api.Send(out); err != nil {
			b.log.Error("send sound keyboard", "err", err)
		}

	case strings.HasPrefix(data, "snd:"):
		s, err := b.sessions.Get(ctx, userID)
		if err != nil || s == nil || s.PendingKind != pendingSound {
			ack("")
			b.sendText(chatID, "Пришлите текст или фото, чтобы начать.")
			return
		}
		s.Sound = data == "snd:1"
		s.PendingKind = ""
		if err := b.sessions.Put(ctx, userID, s); err != nil {
			b.log.Error("save session", "err", err)
			return
		}
		ack("Приняли")
		b.runPreview(ctx, cb.From, chatID, s)

	case data == "again":
		ack("Повторяем")
		b.sendText(chatID, "Генерирую ещё один вариант…")
		out, err := b.orch.Regenerate(ctx, userID, b.username(cb.From))
		b.deliverOutcome(chatID, out, err)

	case data == "boost":
		ack("Буст")
		b.sendText(chatID, "Делаю улучшенную версию…")
		out, err := b.orch.Boost(ctx, userID, b.username(cb.From))
		b.deliverOutcome(chatID, out, err)

	case strings.HasPrefix(data, "buy:"):
		planID, err := strconv.ParseInt(strings.TrimPrefix(data, "buy:"), 10, 64)
		if err != nil {
			ack("Неизвестный выбор")
			return
		}
		ack("")
		if err := b.payments.SendInvoice(ctx, b.api, userID, chatID, planID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(chatID, "Не удалось отправить счет. Попробуйте позже.")
		}

	default:
		ack("Неизвестный выбор")
	}
}

func (b *Bot) runPreview(ctx context.Context, from *tgbotapi.User, chatID int64, s *session.Session) {
	if s.DurationSec <= 0 {
		s.DurationSec = b.cfg.DefaultDuration
	}
	b.sendText(chatID, "Генерация началась, обычно это занимает минуту-другую…")

	out, err := b.orch.RequestPreview(ctx, orchestrator.PreviewRequest{
		UserID:      b.userID(from, chatID),
		Username:    b.username(from),
		Prompt:      s.Prompt,
		ImagePath:   s.ImagePath,
		VideoPath:   s.VideoPath,
		DurationSec: s.DurationSec,
		Sound:       s.Sound,
	})
	b.deliverOutcome(chatID, out, err)
}

func (b *Bot) deliverOutcome(chatID int64, out orchestrator.Outcome, err error) {
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoSession) {
			b.sendText(chatID, "Нечего повторять — сначала пришлите текст или фото.")
			return
		}
		b.log.Error("preview failed", "err", err)
		b.sendText(chatID, "Что-то пошло не так, попробуйте позже.")
		return
	}

	switch out.Status {
	case orchestrator.StatusRejected:
		b.sendText(chatID, fmt.Sprintf(
			"Недостаточно кредитов: нужно %d, не хватает %d.\nПополните баланс через /buy или введите промокод /promo.",
			out.Cost, out.Shortfall))
	case orchestrator.StatusFailedUncharged:
		b.sendText(chatID, "Не получилось сгенерировать видео. Деньги не списаны — попробуйте позже.")
	case orchestrator.StatusDelivered:
		b.sendVideo(chatID, out)
	default:
		b.sendText(chatID, "Что-то пошло не так, попробуйте позже.")
	}
}

func (b *Bot) sendVideo(chatID int64, out orchestrator.Outcome) {
	video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(out.ArtifactPath))
	switch {
	case out.Degraded:
		video.Caption = "Сервис генерации сейчас недоступен, поэтому вот упрощённая версия. Попробуйте ещё раз позже."
	case out.IsFree:
		video.Caption = "Готово! Это бесплатное превью."
	case out.Cost > 0:
		video.Caption = fmt.Sprintf("Готово! Списано %d кредитов.", out.Cost)
	}
	video.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Ещё раз", "again"),
			tgbotapi.NewInlineKeyboardButtonData("Буст ✨", "boost"),
		),
	)
	if _, err := b.api.Send(video); err != nil {
		b.log.Error("send video", "err", err)
		b.sendText(chatID, "Видео готово, но отправить его не удалось. Попробуйте ещё раз.")
	}
}

// downloadToDisk pulls a Telegram file into OutDir and returns the local
// path.
func (b *Bot) downloadToDisk(ctx context.Context, fileID, ext string) (string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}

	outPath := filepath.Join(b.cfg.OutDir, "src-"+uuid.NewString()+ext)
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("write source file: %w", err)
	}
	return outPath, nil
}

func (b *Bot) userID(from *tgbotapi.User, chatID int64) int64 {
	if from != nil {
		return from.ID
	}
	return chatID
}

func (b *Bot) username(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}
	return from.UserName
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UI texts. The bot talks to players of a Russian role-play server, so the
// user-facing strings stay Russian.
const (
	textNeedStart = "Сначала нажми /start"

	textAlreadyConnected = "Аккаунт уже подключён! Используй /disconnect, чтобы отключить."
	textNotConnected     = "Аккаунт не подключён. Используй /connect для подключения."
	textDisconnected     = "✅ Аккаунт отключён. Отслеживание аренд остановлено."

	textAskPhone = "📱 Для подключения мне нужен твой номер телефона.\n\n" +
		"Введи номер в международном формате (например, +79991234567):\n\n" +
		"Для отмены отправь /cancel"
	textBadPhone      = "❌ Номер должен начинаться с +. Попробуй ещё раз:"
	textSendingCode   = "⏳ Отправляю код авторизации..."
	textAskCode       = "✅ Код отправлен в Telegram!\n\nВведи код авторизации (5 цифр):"
	textBadCode       = "❌ Код должен содержать цифры. Попробуй ещё раз:"
	textCodeRejected  = "❌ Неверный или устаревший код. Попробуй снова: /connect"
	textAsk2FA        = "🔐 Требуется пароль двухфакторной аутентификации.\n\nВведи пароль:"
	textBadPassword   = "❌ Неверный пароль. Попробуй снова: /connect"
	textAuthFailed    = "❌ Произошла ошибка. Попробуй снова: /connect"
	textAuthCancelled = "❌ Подключение отменено."

	textConnected = "✅ Аккаунт успешно подключён!\n\n" +
		"Теперь я отслеживаю уведомления об аренде и пришлю сообщение, когда аренда истечёт.\n\n" +
		"Запускаю импорт истории сообщений..."

	textScanRunning  = "Скан уже запущен. Дождись завершения."
	textScanStarting = "Запускаю скан истории сообщений...\n" +
		"Я пришлю обновления о прогрессе. Это может занять несколько минут."

	textInternalError = "Произошла ошибка. Попробуй позже."

	statusFmt = "📊 Статус\n\n" +
		"Подключение: %s\n" +
		"Всего аренд: %d\n" +
		"Общий доход: $%d\n" +
		"Активных аренд: %d"
)

func startText(firstName string, connected bool) string {
	greeting := "Привет! 👋"
	if firstName != "" {
		greeting = fmt.Sprintf("Привет, %s! 👋", firstName)
	}
	tail := "Для начала подключи свой Telegram аккаунт командой /connect, чтобы я мог читать уведомления об аренде."
	if connected {
		tail = "✅ Твой аккаунт подключён. Я отслеживаю аренды."
	}
	return greeting + "\n\nЯ помогу отслеживать аренду твоего транспорта в Majestic RP.\n\n" + tail
}

// menuKeyboard builds the persistent reply keyboard for the current
// connection state. A non-empty webAppURL adds the rental history mini-app.
func menuKeyboard(connected bool, webAppURL string) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	if connected {
		rows = append(rows,
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/status"),
				tgbotapi.NewKeyboardButton("/scan"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/disconnect"),
			),
		)
	} else {
		rows = append(rows,
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/connect"),
				tgbotapi.NewKeyboardButton("/status"),
			),
		)
	}
	if webAppURL != "" {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButtonWebApp("📊 История аренд", tgbotapi.WebAppInfo{URL: webAppURL}),
		))
	}
	return tgbotapi.NewReplyKeyboard(rows...)
}

// internal/infra/telegram/cycle_handlers.go
package telegram

import (
	"context"
	"fmt"
	"strings"

	"group_payment_bot/internal/app"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// RegisterCycleHandlers registers the command and callback handlers for the
// payment cycle. It requires the bot instance, the cycle service and the
// configured admin Telegram ID.
func RegisterCycleHandlers(ctx context.Context, b *telebot.Bot, cycleService *app.CycleService, adminTelegramID int64, baseLogger *logrus.Entry) {
	b.Handle("/startcycle", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/startcycle",
			"sender_id": c.Sender().ID,
			"chat_id":   c.Chat().ID,
		})
		handlerLogger.Info("Command received")

		if c.Sender().ID != adminTelegramID {
			handlerLogger.Warn("Unauthorized access attempt")
			return c.Send("❌ This command is for admins only.")
		}

		cycle, err := cycleService.OpenCycle(ctx, c.Sender().ID, c.Chat().ID)
		if err != nil {
			logWithError := handlerLogger.WithError(err)
			switch err {
			case app.ErrNotAuthorized: // Redundant here due to the initial sender check
				logWithError.Warn("Admin not authorized (service level)")
				return c.Send("❌ This command is for admins only.")
			case app.ErrCycleAlreadyActive:
				logWithError.Warn("Cycle already active")
				return c.Send("⚠️ A payment cycle is already active!")
			default:
				logWithError.Error("Failed to open payment cycle")
				return c.Send(fmt.Sprintf("An error occurred while starting the cycle: %s", err.Error()))
			}
		}

		handlerLogger.WithField("cycle_id", cycle.ID).Info("Payment cycle opened successfully")
		// The announcement with the pay button is sent by the service.
		return nil
	})

	b.Handle("/status", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/status",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		summary, err := cycleService.Status()
		if err != nil {
			if err == app.ErrNoActiveCycle {
				return c.Send("❌ No active payment cycle.")
			}
			handlerLogger.WithError(err).Error("Failed to build status summary")
			return c.Send("An error occurred while fetching the status.")
		}
		return c.Send(summary)
	})

	b.Handle("/help", func(c telebot.Context) error {
		var helpText strings.Builder
		helpText.WriteString("Available commands:\n\n")
		helpText.WriteString("`/startcycle`\n - Start a payment cycle for this group (admin only).\n\n")
		helpText.WriteString("`/status`\n - Show time remaining and who has paid.\n\n")
		helpText.WriteString("`/help`\n - Show this help message.\n\n")
		helpText.WriteString("When a cycle is running, tap the 💰 button to get your unique amount and the payment address.")
		return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})

	b.Handle(telebot.OnCallback, func(c telebot.Context) error {
		data := strings.TrimPrefix(c.Callback().Data, "\f")

		if !strings.HasPrefix(data, app.JoinButtonUnique) {
			// Unhandled callbacks by this handler.
			c.Bot().OnError(fmt.Errorf("unhandled callback data: %s", data), c)
			return c.Respond(&telebot.CallbackResponse{Text: "Unknown action."})
		}

		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "join_cycle",
			"sender_id": c.Sender().ID,
		})

		username := c.Sender().Username
		if username == "" {
			username = c.Sender().FirstName
		}

		obligation, created, err := cycleService.Join(ctx, c.Sender().ID, username)
		if err != nil {
			if err == app.ErrNoActiveCycle {
				return c.Respond(&telebot.CallbackResponse{Text: "❌ No active payment cycle."})
			}
			handlerLogger.WithError(err).Error("Failed to join payment cycle")
			return c.Respond(&telebot.CallbackResponse{Text: "An error occurred."})
		}
		handlerLogger.WithFields(logrus.Fields{
			"amount":  obligation.Amount.String(),
			"created": created,
		}).Info("Pay button processed")

		if err := c.Respond(); err != nil {
			return err
		}

		details := fmt.Sprintf(
			"💰 YOUR PAYMENT DETAILS\n\n"+
				"Amount: %s BASE ETH\n"+
				"Address: %s\n\n"+
				"⚠️ IMPORTANT: Send EXACTLY %s BASE ETH\n"+
				"This unique amount identifies your payment!",
			obligation.Amount.String(), cycleService.CollectionAddress(), obligation.Amount.String(),
		)
		return c.Send(details)
	})
}

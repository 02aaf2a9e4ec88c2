package telegram

import "gopkg.in/telebot.v3"

// Client defines an interface for the chat collaborator. This helps in
// decoupling the application logic from the specific bot library. Callers
// treat failures as non-fatal: logged, never auto-retried mid-action.
type Client interface {
	SendMessage(chatID int64, text string, options *telebot.SendOptions) error
	// BanMember removes a member from the group chat.
	BanMember(chatID int64, userID int64) error
}
